package main

import (
	"context"
	"time"

	"mistica-notifications/internal/config"
	"mistica-notifications/internal/database"
	"mistica-notifications/internal/logging"

	"go.mongodb.org/mongo-driver/bson"
)

// Міграція сповіщень, записаних старим сервісом у camelCase форматі
// (userId, isRead, type, relatedProductId), у поточну схему колекції.
func main() {
	cfg := config.Load()
	log := logging.Component(logging.New(cfg), "migrate")

	db, err := database.NewMongoDB(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	collection := db.Database.Collection("notifications")

	result, err := collection.UpdateMany(
		ctx,
		bson.M{"userId": bson.M{"$exists": true}},
		[]bson.M{
			{
				"$set": bson.M{
					"user_id":    "$userId",
					"is_read":    bson.M{"$ifNull": bson.A{"$isRead", false}},
					"created_at": bson.M{"$ifNull": bson.A{"$createdAt", "$$NOW"}},
					"read_at":    "$readAt",
					"kind": bson.M{
						"$switch": bson.M{
							"branches": bson.A{
								bson.M{"case": bson.M{"$eq": bson.A{"$type", "price_drop"}}, "then": "promotion"},
								bson.M{"case": bson.M{"$eq": bson.A{"$type", "stock"}}, "then": "recommendation"},
								bson.M{"case": bson.M{"$in": bson.A{"$type", bson.A{"order", "payment", "promotion", "recommendation"}}}, "then": "$type"},
							},
							"default": "system",
						},
					},
					"data": bson.M{
						"$cond": bson.A{
							bson.M{"$ifNull": bson.A{"$relatedProductId", false}},
							bson.M{"productId": "$relatedProductId"},
							"$$REMOVE",
						},
					},
				},
			},
			{"$unset": bson.A{"userId", "isRead", "createdAt", "readAt", "type", "relatedProductId"}},
		},
	)
	if err != nil {
		log.WithError(err).Fatal("Migration failed")
	}
	log.WithField("migrated", result.ModifiedCount).Info("Legacy notifications migrated")

	// Прочитані без read_at: монотонний стан вимагає часу прочитання
	result, err = collection.UpdateMany(
		ctx,
		bson.M{"is_read": true, "read_at": bson.M{"$exists": false}},
		[]bson.M{{"$set": bson.M{"read_at": "$created_at"}}},
	)
	if err != nil {
		log.WithError(err).Fatal("read_at backfill failed")
	}
	log.WithField("updated", result.ModifiedCount).Info("read_at backfilled")
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mistica-notifications/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Модель для зберігання сповіщень в MongoDB
type notificationDocument struct {
	ID        primitive.ObjectID     `bson:"_id,omitempty"`
	UserID    string                 `bson:"user_id"`
	Title     string                 `bson:"title"`
	Message   string                 `bson:"message"`
	Kind      string                 `bson:"kind"`
	Data      map[string]interface{} `bson:"data,omitempty"`
	IsRead    bool                   `bson:"is_read"`
	CreatedAt time.Time              `bson:"created_at"`
	ReadAt    *time.Time             `bson:"read_at,omitempty"`
}

func (d notificationDocument) toModel() models.Notification {
	return models.Notification{
		ID:        d.ID.Hex(),
		UserID:    d.UserID,
		Title:     d.Title,
		Message:   d.Message,
		Kind:      models.Kind(d.Kind),
		Data:      d.Data,
		Read:      d.IsRead,
		CreatedAt: d.CreatedAt,
		ReadAt:    d.ReadAt,
	}
}

type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection("notifications")}
}

// EnsureIndexes створює індекси для вибірки по користувачу
// ВАЖЛИВО: bson.D замість map, щоб зберегти порядок ключів
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "is_read", Value: 1},
			},
		},
	}

	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create notification indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, n *models.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Read && n.ReadAt == nil {
		t := n.CreatedAt
		n.ReadAt = &t
	}
	if !n.Read {
		n.ReadAt = nil
	}

	doc := notificationDocument{
		UserID:    n.UserID,
		Title:     n.Title,
		Message:   n.Message,
		Kind:      string(n.Kind),
		Data:      n.Data,
		IsRead:    n.Read,
		CreatedAt: n.CreatedAt,
		ReadAt:    n.ReadAt,
	}

	result, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}

	n.ID = result.InsertedID.(primitive.ObjectID).Hex()
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.findOne(ctx, bson.M{"_id": objID})
}

func (s *MongoStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	opts = opts.Normalize()

	filter := bson.M{"user_id": userID}
	if opts.UnreadOnly {
		filter["is_read"] = false
	}

	findOpts := options.Find().
		SetLimit(int64(opts.Limit)).
		SetSkip(int64(opts.Offset)).
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	return s.find(ctx, filter, findOpts)
}

func (s *MongoStore) ListUnread(ctx context.Context, userID string) ([]models.Notification, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	return s.find(ctx, bson.M{"user_id": userID, "is_read": false}, findOpts)
}

func (s *MongoStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"user_id": userID, "is_read": false})
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, userID, id string) (*models.Notification, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	// is_read=false у фільтрі гарантує, що read_at встановлюється лише один раз
	_, err = s.collection.UpdateOne(ctx, bson.M{
		"_id":     objID,
		"user_id": userID,
		"is_read": false,
	}, bson.M{
		"$set": bson.M{
			"is_read": true,
			"read_at": time.Now().UTC(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark notification as read: %w", err)
	}

	return s.findOne(ctx, bson.M{"_id": objID, "user_id": userID})
}

func (s *MongoStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result, err := s.collection.UpdateMany(ctx, bson.M{
		"user_id": userID,
		"is_read": false,
	}, bson.M{
		"$set": bson.M{
			"is_read": true,
			"read_at": time.Now().UTC(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications as read: %w", err)
	}
	return result.ModifiedCount, nil
}

func (s *MongoStore) Delete(ctx context.Context, userID, id string) error {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}

	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": objID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close нічого не робить: з'єднанням з MongoDB керує database.MongoDB
func (s *MongoStore) Close(_ context.Context) error {
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*models.Notification, error) {
	var doc notificationDocument
	err := s.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notification: %w", err)
	}
	n := doc.toModel()
	return &n, nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Notification, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []notificationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode notifications: %w", err)
	}

	notifications := make([]models.Notification, 0, len(docs))
	for _, doc := range docs {
		notifications = append(notifications, doc.toModel())
	}
	return notifications, nil
}

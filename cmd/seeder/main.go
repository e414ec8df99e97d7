// cmd/seeder/main.go - генерує тестові сповіщення для локальної розробки
package main

import (
	"context"
	"fmt"
	"time"

	"mistica-notifications/internal/config"
	"mistica-notifications/internal/ingest"
	"mistica-notifications/internal/logging"
	"mistica-notifications/internal/models"
	"mistica-notifications/pkg/auth"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// sink - куди seeder відправляє згенеровані сповіщення
type sink interface {
	ToUser(ctx context.Context, userID string, n models.Notification) error
	Broadcast(ctx context.Context, n models.Notification) error
}

func main() {
	var (
		users      = pflag.IntP("users", "u", 5, "number of users (user-001 ... user-N)")
		count      = pflag.IntP("count", "n", 20, "notifications per user")
		broadcasts = pflag.Int("broadcasts", 1, "number of broadcast notifications")
		baseURL    = pflag.String("url", "http://localhost:8080", "service URL, used when Kafka is not configured")
		seed       = pflag.Int64("seed", time.Now().UnixNano(), "random seed")
	)
	pflag.Parse()

	cfg := config.Load()
	log := logging.Component(logging.New(cfg), "seeder")

	gofakeit.Seed(*seed)

	var out sink
	if len(cfg.KafkaBrokers) > 0 {
		publisher := ingest.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		out = publisher
		log.WithField("topic", cfg.KafkaTopic).Info("Publishing to Kafka")
	} else {
		token, err := auth.NewJWTManager(cfg.JWTSecret, time.Hour).
			GenerateToken("seeder", "", string(models.RoleService))
		if err != nil {
			log.WithError(err).Fatal("Failed to issue service token")
		}
		out = &apiSink{rest: resty.New().SetBaseURL(*baseURL).SetAuthToken(token).SetTimeout(10 * time.Second)}
		log.WithField("url", *baseURL).Info("Publishing through the HTTP API")
	}

	ctx := context.Background()
	sent := 0
	for u := 1; u <= *users; u++ {
		userID := fmt.Sprintf("user-%03d", u)
		for i := 0; i < *count; i++ {
			if err := out.ToUser(ctx, userID, fakeNotification()); err != nil {
				log.WithError(err).WithField("user_id", userID).Warn("Failed to send notification")
				continue
			}
			sent++
		}
	}

	for i := 0; i < *broadcasts; i++ {
		n := models.Notification{
			Title:   "Announcement",
			Message: gofakeit.Sentence(8),
			Kind:    models.KindSystem,
		}
		if err := out.Broadcast(ctx, n); err != nil {
			log.WithError(err).Warn("Failed to send broadcast")
			continue
		}
		sent++
	}

	log.WithFields(logrus.Fields{"sent": sent, "users": *users}).Info("Seeding finished")
}

func fakeNotification() models.Notification {
	orderID := fmt.Sprintf("ORD-%d", gofakeit.Number(1000, 9999))

	switch gofakeit.Number(0, 3) {
	case 0:
		status := gofakeit.RandomString([]string{"paid", "shipped", "delivered", "cancelled"})
		return models.Notification{
			Title:   "Order Update",
			Message: fmt.Sprintf("Your order %s status is now %s", orderID, status),
			Kind:    models.KindOrder,
			Data:    map[string]interface{}{"orderId": orderID, "status": status},
		}
	case 1:
		amount := gofakeit.Price(5, 120)
		return models.Notification{
			Title:   "Payment Confirmed",
			Message: fmt.Sprintf("Payment of $%.2f for order %s has been confirmed", amount, orderID),
			Kind:    models.KindPayment,
			Data:    map[string]interface{}{"orderId": orderID, "amount": amount},
		}
	case 2:
		return models.Notification{
			Title:   fmt.Sprintf("%d%% off this week", gofakeit.Number(10, 50)),
			Message: gofakeit.Sentence(10),
			Kind:    models.KindPromotion,
		}
	default:
		product := gofakeit.Sentence(3)
		productID := gofakeit.UUID()
		return models.Notification{
			Title:   "Recommended for you",
			Message: fmt.Sprintf("We think you'll love \"%s\"", product),
			Kind:    models.KindRecommendation,
			Data:    map[string]interface{}{"productId": productID, "productName": product},
		}
	}
}

// apiSink відправляє через внутрішні маршрути сервісу
type apiSink struct {
	rest *resty.Client
}

func (s *apiSink) ToUser(ctx context.Context, userID string, n models.Notification) error {
	return s.post(ctx, "/api/v1/internal/notifications", map[string]interface{}{
		"user_id": userID,
		"title":   n.Title,
		"message": n.Message,
		"kind":    n.Kind,
		"data":    n.Data,
	})
}

func (s *apiSink) Broadcast(ctx context.Context, n models.Notification) error {
	return s.post(ctx, "/api/v1/internal/notifications/broadcast", map[string]interface{}{
		"title":   n.Title,
		"message": n.Message,
		"kind":    n.Kind,
	})
}

func (s *apiSink) post(ctx context.Context, path string, body interface{}) error {
	resp, err := s.rest.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

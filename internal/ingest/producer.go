package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mistica-notifications/internal/models"

	"github.com/segmentio/kafka-go"
)

// writer - частина kafka.Writer, яку використовує Publisher
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher пише повідомлення у топік сповіщень. Ним користуються сервіси
// замовлень, оплати та маркетингу, а також seeder.
type Publisher struct {
	w writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (p *Publisher) ToUser(ctx context.Context, userID string, n models.Notification) error {
	return p.Publish(ctx, Message{Target: TargetUser, UserID: userID, Notification: n})
}

func (p *Publisher) ToUsers(ctx context.Context, userIDs []string, n models.Notification) error {
	return p.Publish(ctx, Message{Target: TargetUsers, UserIDs: userIDs, Notification: n})
}

func (p *Publisher) Broadcast(ctx context.Context, n models.Notification) error {
	return p.Publish(ctx, Message{Target: TargetBroadcast, Notification: n})
}

// Publish перевіряє адресатів до запису, щоб споживач не отримував
// повідомлення, які він однаково відкине як malformed.
// Ключ - user_id, тож події одного користувача йдуть в одну партицію.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	switch msg.Target {
	case TargetUser:
		if msg.UserID == "" {
			return fmt.Errorf("%w: user_id is required", ErrMalformed)
		}
	case TargetUsers:
		if len(msg.UserIDs) == 0 {
			return fmt.Errorf("%w: user_ids is required", ErrMalformed)
		}
	case TargetBroadcast:
	default:
		return fmt.Errorf("%w: unknown target %q", ErrMalformed, msg.Target)
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.UserID),
		Value: value,
		Time:  time.Now(),
	})
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

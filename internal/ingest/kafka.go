// Package ingest споживає події продюсерів (замовлення, оплата, маркетинг)
// з Kafka і передає їх у сервіс сповіщень.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mistica-notifications/internal/metrics"
	"mistica-notifications/internal/models"
	"mistica-notifications/internal/realtime"
	"mistica-notifications/internal/services"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Цільові аудиторії повідомлення
const (
	TargetUser      = "user"
	TargetUsers     = "users"
	TargetBroadcast = "broadcast"
)

const maxAttempts = 3

// ErrMalformed - повідомлення неможливо обробити, повтор не допоможе
var ErrMalformed = errors.New("malformed message")

// Message - тіло повідомлення в топіку
type Message struct {
	Target       string              `json:"target"`
	UserID       string              `json:"user_id,omitempty"`
	UserIDs      []string            `json:"user_ids,omitempty"`
	Notification models.Notification `json:"notification"`
}

// Dispatcher - частина NotificationService, потрібна споживачу
type Dispatcher interface {
	Notify(ctx context.Context, n models.Notification) (*services.DeliveryResult, error)
	NotifyUsers(ctx context.Context, userIDs []string, tmpl models.Notification) error
	Broadcast(ctx context.Context, tmpl models.Notification) (*services.DeliveryResult, error)
}

type Handler struct {
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        *logrus.Entry
}

func NewHandler(dispatcher Dispatcher, m *metrics.Metrics, log *logrus.Entry) *Handler {
	return &Handler{dispatcher: dispatcher, metrics: m, log: log}
}

// Handle обробляє одне повідомлення. Помилка з ErrMalformed - остаточна,
// інші помилки можна повторити.
func (h *Handler) Handle(ctx context.Context, value []byte) error {
	msg, err := decode(value)
	if err != nil {
		return h.result(err)
	}
	return h.result(h.dispatch(ctx, &msg))
}

func decode(value []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch msg.Target {
	case TargetUser:
		if msg.UserID == "" {
			return msg, fmt.Errorf("%w: user_id is required", ErrMalformed)
		}
	case TargetUsers:
		if len(msg.UserIDs) == 0 {
			return msg, fmt.Errorf("%w: user_ids is required", ErrMalformed)
		}
	case TargetBroadcast:
	default:
		return msg, fmt.Errorf("%w: unknown target %q", ErrMalformed, msg.Target)
	}
	return msg, nil
}

// dispatch передає повідомлення сервісу. Після часткового збою пакетної
// розсилки msg.UserIDs звужується до отримувачів, яким копію не доставлено.
func (h *Handler) dispatch(ctx context.Context, msg *Message) error {
	var err error
	switch msg.Target {
	case TargetUser:
		n := msg.Notification
		n.UserID = msg.UserID
		_, err = h.dispatcher.Notify(ctx, n)
	case TargetUsers:
		err = h.dispatcher.NotifyUsers(ctx, msg.UserIDs, msg.Notification)
		var fanoutErr *realtime.FanoutError
		if errors.As(err, &fanoutErr) && len(fanoutErr.Failed) > 0 {
			msg.UserIDs = fanoutErr.Failed
		}
	case TargetBroadcast:
		_, err = h.dispatcher.Broadcast(ctx, msg.Notification)
	}

	if errors.Is(err, services.ErrInvalidNotification) || errors.Is(err, services.ErrUserRequired) {
		err = fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return err
}

func (h *Handler) result(err error) error {
	switch {
	case err == nil:
		h.metrics.IngestedMessages.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrMalformed):
		h.metrics.IngestedMessages.WithLabelValues("malformed").Inc()
	default:
		h.metrics.IngestedMessages.WithLabelValues("failed").Inc()
	}
	return err
}

// reader - частина kafka.Reader, яку використовує Consumer
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader  reader
	handler *Handler
	log     *logrus.Entry
	backoff time.Duration
}

func NewConsumer(brokers []string, groupID, topic string, handler *Handler, log *logrus.Entry) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: time.Second,
		}),
		handler: handler,
		log:     log.WithField("topic", topic),
		backoff: time.Second,
	}
}

// Run читає топік до скасування ctx. Кожне повідомлення комітиться після
// обробки або після вичерпання спроб, тож зламане повідомлення не блокує партицію.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("Kafka consumer started")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Kafka consumer shutting down")
				return nil
			}
			c.log.WithError(err).Warn("Kafka fetch error")
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		c.process(ctx, m)

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("Kafka commit error")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) process(ctx context.Context, m kafka.Message) {
	entry := c.log.WithFields(logrus.Fields{
		"partition": m.Partition,
		"offset":    m.Offset,
	})

	msg, err := decode(m.Value)
	if err != nil {
		c.handler.result(err)
		entry.WithError(err).Warn("Skipping malformed message")
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.handler.dispatch(ctx, &msg)
		if err == nil {
			c.handler.result(nil)
			return
		}
		if errors.Is(err, ErrMalformed) {
			c.handler.result(err)
			entry.WithError(err).Warn("Skipping malformed message")
			return
		}

		entry.WithError(err).WithField("attempt", attempt).Warn("Message handling failed")
		if attempt == maxAttempts || !sleep(ctx, c.backoff*time.Duration(attempt)) {
			c.handler.result(err)
			entry.Error("Giving up on message")
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mistica-notifications/internal/metrics"
	"mistica-notifications/internal/models"
	"mistica-notifications/internal/store"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFanoutConcurrency = 16
	defaultStoreTimeout      = 5 * time.Second
)

// ReadMarker позначає сповіщення прочитаним від імені власника.
// store.ErrNotFound означає, що сповіщення не існує або належить іншому користувачу.
type ReadMarker interface {
	MarkRead(ctx context.Context, userID, notificationID string) (*models.Notification, error)
}

// PrepareFunc викликається для кожної персональної копії перед відправкою
// (наприклад, щоб зберегти її та отримати id). Помилка пропускає лише цього отримувача.
type PrepareFunc func(ctx context.Context, n *models.Notification) error

// FanoutError перелічує отримувачів, яким копію не доставлено.
// Решта отримувачів вже отримала і зберегла свою копію.
type FanoutError struct {
	Failed []string
	err    error
}

func (e *FanoutError) Error() string {
	return e.err.Error()
}

func (e *FanoutError) Unwrap() error {
	return e.err
}

type HubOptions struct {
	FanoutConcurrency int
	StoreTimeout      time.Duration
}

// Hub маршрутизує сповіщення до з'єднань з реєстру та обробляє вхідні події клієнтів
type Hub struct {
	registry   *Registry
	readMarker ReadMarker
	metrics    *metrics.Metrics
	log        *logrus.Entry

	fanout       int
	storeTimeout time.Duration

	// mu впорядковує Register і Shutdown: після Shutdown нова сесія не потрапить у реєстр
	mu     sync.Mutex
	closed bool
}

func NewHub(readMarker ReadMarker, m *metrics.Metrics, log *logrus.Entry, opts HubOptions) *Hub {
	if opts.FanoutConcurrency <= 0 {
		opts.FanoutConcurrency = defaultFanoutConcurrency
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if m == nil {
		m = metrics.New()
	}

	return &Hub{
		registry:     NewRegistry(),
		readMarker:   readMarker,
		metrics:      m,
		log:          log,
		fanout:       opts.FanoutConcurrency,
		storeTimeout: opts.StoreTimeout,
	}
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}

func (h *Hub) ConnectionsOf(userID string) []string {
	return h.registry.ConnectionsOf(userID)
}

// Register додає сесію до реєстру. Після Shutdown нові сесії не приймаються.
func (h *Hub) Register(s Session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	first := h.registry.Register(s)
	h.mu.Unlock()

	h.updateGauges()
	h.log.WithFields(logrus.Fields{
		"user_id":       s.UserID(),
		"connection_id": s.ID(),
		"first":         first,
	}).Info("Client connected")
	return true
}

func (h *Hub) Deregister(s Session) {
	if !h.registry.Deregister(s.UserID(), s.ID()) {
		return
	}
	h.updateGauges()
	h.log.WithFields(logrus.Fields{
		"user_id":       s.UserID(),
		"connection_id": s.ID(),
		"online":        h.registry.IsOnline(s.UserID()),
	}).Info("Client disconnected")
}

// SendToUser доставляє сповіщення на всі з'єднання користувача.
// Повертає кількість з'єднань, що прийняли подію; 0 - користувач офлайн.
func (h *Hub) SendToUser(userID string, n models.Notification) int {
	sessions := h.registry.SessionsOf(userID)
	if len(sessions) == 0 {
		return 0
	}

	payload, err := EncodeEvent(EventNotification, n)
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Error("Failed to encode notification")
		return 0
	}
	return h.deliver(sessions, EventNotification, payload)
}

// SendToUsers розсилає персональні копії шаблону кожному отримувачу.
// Дублікати id відкидаються; збій одного отримувача не зупиняє інших,
// а *FanoutError називає тих, кому копію не доставлено.
func (h *Hub) SendToUsers(ctx context.Context, userIDs []string, tmpl models.Notification, prepare PrepareFunc) error {
	recipients := uniqueIDs(userIDs)
	if len(recipients) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		errs   []error
		failed []string
	)
	fail := func(userID string, err error) {
		mu.Lock()
		errs = append(errs, fmt.Errorf("recipient %s: %w", userID, err))
		failed = append(failed, userID)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(h.fanout)

	for _, userID := range recipients {
		userID := userID
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				fail(userID, err)
				return nil
			}

			n := tmpl.ForUser(userID)
			if prepare != nil {
				if err := prepare(ctx, &n); err != nil {
					fail(userID, err)
					return nil
				}
			}
			h.SendToUser(userID, n)
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == 0 {
		return nil
	}
	return &FanoutError{Failed: failed, err: errors.Join(errs...)}
}

// Broadcast доставляє сповіщення на кожне відкрите з'єднання
func (h *Hub) Broadcast(n models.Notification) int {
	sessions := h.registry.All()
	if len(sessions) == 0 {
		return 0
	}

	payload, err := EncodeEvent(EventBroadcastNotification, n)
	if err != nil {
		h.log.WithError(err).Error("Failed to encode broadcast notification")
		return 0
	}
	return h.deliver(sessions, EventBroadcastNotification, payload)
}

// PublishReadState повідомляє всі з'єднання користувача, що сповіщення прочитане
func (h *Hub) PublishReadState(userID, notificationID string) int {
	sessions := h.registry.SessionsOf(userID)
	if len(sessions) == 0 {
		return 0
	}

	payload, err := EncodeEvent(EventMarkedRead, ReadState{NotificationID: notificationID})
	if err != nil {
		h.log.WithError(err).Error("Failed to encode read state")
		return 0
	}
	return h.deliver(sessions, EventMarkedRead, payload)
}

// HandleEvent обробляє одну вхідну подію клієнта. Некоректні та невідомі
// події відкидаються, з'єднання лишається відкритим.
func (h *Hub) HandleEvent(s Session, raw []byte) {
	var ev Event
	if err := decodeEvent(raw, &ev); err != nil {
		h.discard(s, "malformed", err)
		return
	}

	switch ev.Name {
	case EventMarkRead:
		h.handleMarkRead(s, ev)
	case EventReceived:
		id, err := ParseNotificationID(ev.Data)
		if err != nil {
			h.discard(s, "malformed", err)
			return
		}
		h.log.WithFields(logrus.Fields{
			"user_id":         s.UserID(),
			"notification_id": id,
		}).Debug("Notification received by client")
	case EventPing:
		payload, _ := EncodeEvent(EventPong, nil)
		s.Enqueue(payload)
	default:
		h.discard(s, "unknown_event", fmt.Errorf("unknown event %q", ev.Name))
	}
}

func (h *Hub) handleMarkRead(s Session, ev Event) {
	id, err := ParseNotificationID(ev.Data)
	if err != nil {
		h.discard(s, "malformed", err)
		return
	}
	if h.readMarker == nil {
		h.discard(s, "unavailable", errors.New("read marker is not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.storeTimeout)
	defer cancel()

	n, err := h.readMarker.MarkRead(ctx, s.UserID(), id)
	if errors.Is(err, store.ErrNotFound) {
		// чуже або неіснуюче сповіщення: мовчки відхиляємо
		h.discard(s, "not_found", err)
		return
	}
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"user_id":         s.UserID(),
			"notification_id": id,
		}).Error("Failed to mark notification as read")
		return
	}

	h.PublishReadState(s.UserID(), n.ID)
}

// Shutdown закриває всі з'єднання і перестає приймати нові
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	sessions := h.registry.All()
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		h.Deregister(s)
	}
	h.log.Info("Realtime hub stopped")
}

func (h *Hub) deliver(sessions []Session, event string, payload []byte) int {
	delivered := 0
	for _, s := range sessions {
		if s.Enqueue(payload) {
			delivered++
			continue
		}

		// повільний клієнт: подію відкидаємо, з'єднання закриваємо
		h.metrics.DroppedDeliveries.Inc()
		h.log.WithFields(logrus.Fields{
			"user_id":       s.UserID(),
			"connection_id": s.ID(),
			"event":         event,
		}).Warn("Send buffer full, closing connection")
		s.Close()
		h.Deregister(s)
	}

	if delivered > 0 {
		h.metrics.Deliveries.WithLabelValues(event).Add(float64(delivered))
	}
	return delivered
}

func (h *Hub) discard(s Session, reason string, err error) {
	h.metrics.DiscardedEvents.WithLabelValues(reason).Inc()
	h.log.WithError(err).WithFields(logrus.Fields{
		"user_id":       s.UserID(),
		"connection_id": s.ID(),
		"reason":        reason,
	}).Debug("Client event discarded")
}

func (h *Hub) updateGauges() {
	users, connections := h.registry.Stats()
	h.metrics.OnlineUsers.Set(float64(users))
	h.metrics.Connections.Set(float64(connections))
}

func decodeEvent(raw []byte, ev *Event) error {
	if err := json.Unmarshal(raw, ev); err != nil {
		return err
	}
	if ev.Name == "" {
		return errors.New("event name is required")
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

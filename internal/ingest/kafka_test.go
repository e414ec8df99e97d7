package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mistica-notifications/internal/logging"
	"mistica-notifications/internal/metrics"
	"mistica-notifications/internal/models"
	"mistica-notifications/internal/realtime"
	"mistica-notifications/internal/services"
	"mistica-notifications/internal/store"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandler(t *testing.T) (*Handler, *services.NotificationService, *metrics.Metrics) {
	t.Helper()

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	log := logging.Component(logging.Discard(), "ingest")
	m := metrics.New()
	hub := realtime.NewHub(st, m, log, realtime.HubOptions{})
	service := services.NewNotificationService(st, hub, log)
	return NewHandler(service, m, log), service, m
}

func TestHandleTargets(t *testing.T) {
	h, service, m := setupHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, []byte(`{
		"target": "user",
		"user_id": "user-a",
		"notification": {"title": "Order Update", "message": "Your order o-1 status is now paid", "kind": "order", "data": {"orderId": "o-1"}}
	}`)))

	require.NoError(t, h.Handle(ctx, []byte(`{
		"target": "users",
		"user_ids": ["user-a", "user-b"],
		"notification": {"title": "Sale", "message": "20% off", "kind": "promotion"}
	}`)))

	require.NoError(t, h.Handle(ctx, []byte(`{
		"target": "broadcast",
		"notification": {"title": "Maintenance", "message": "Back soon", "kind": "system"}
	}`)))

	countA, err := service.UnreadCount(ctx, "user-a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, countA)

	countB, err := service.UnreadCount(ctx, "user-b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, countB)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.IngestedMessages.WithLabelValues("ok")))
}

func TestHandleMalformed(t *testing.T) {
	h, _, m := setupHandler(t)
	ctx := context.Background()

	inputs := []string{
		`not json`,
		`{"target": "user", "notification": {"title": "t", "message": "m", "kind": "order"}}`,
		`{"target": "users", "user_ids": [], "notification": {"title": "t", "message": "m", "kind": "order"}}`,
		`{"target": "everyone", "notification": {"title": "t", "message": "m", "kind": "order"}}`,
		`{"target": "user", "user_id": "user-a", "notification": {"title": "t", "message": "m", "kind": "spam"}}`,
	}
	for _, in := range inputs {
		err := h.Handle(ctx, []byte(in))
		assert.ErrorIs(t, err, ErrMalformed, in)
	}

	assert.Equal(t, float64(len(inputs)), testutil.ToFloat64(m.IngestedMessages.WithLabelValues("malformed")))
}

type failingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDispatcher) Notify(context.Context, models.Notification) (*services.DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil, errors.New("store unavailable")
}

func (d *failingDispatcher) NotifyUsers(context.Context, []string, models.Notification) error {
	return nil
}

func (d *failingDispatcher) Broadcast(context.Context, models.Notification) (*services.DeliveryResult, error) {
	return &services.DeliveryResult{}, nil
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	drained   chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	select {
	case r.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerCommitsEveryMessage(t *testing.T) {
	dispatcher := &failingDispatcher{}
	log := logging.Component(logging.Discard(), "ingest")
	handler := NewHandler(dispatcher, metrics.New(), log)

	reader := &fakeReader{
		messages: []kafka.Message{
			{Offset: 1, Value: []byte(`garbage`)},
			{Offset: 2, Value: []byte(`{"target":"user","user_id":"u","notification":{"title":"t","message":"m","kind":"order"}}`)},
			{Offset: 3, Value: []byte(`{"target":"broadcast","notification":{"title":"t","message":"m","kind":"system"}}`)},
		},
		drained: make(chan struct{}, 1),
	}
	consumer := &Consumer{reader: reader, handler: handler, log: log, backoff: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	require.NoError(t, <-done)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	assert.Equal(t, maxAttempts, dispatcher.calls)
}

type recordingWriter struct {
	messages []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublisherRoundTrip(t *testing.T) {
	w := &recordingWriter{}
	p := &Publisher{w: w}
	ctx := context.Background()

	n := models.Notification{Title: "Order Update", Message: "Your order o-1 status is now paid", Kind: models.KindOrder}
	require.NoError(t, p.ToUser(ctx, "user-a", n))
	require.NoError(t, p.ToUsers(ctx, []string{"user-a", "user-b"}, n))
	require.NoError(t, p.Broadcast(ctx, n))

	assert.ErrorIs(t, p.ToUser(ctx, "", n), ErrMalformed)
	assert.ErrorIs(t, p.ToUsers(ctx, nil, n), ErrMalformed)
	assert.ErrorIs(t, p.Publish(ctx, Message{Target: "everyone", Notification: n}), ErrMalformed)

	require.Len(t, w.messages, 3)
	assert.Equal(t, "user-a", string(w.messages[0].Key))

	// усе, що пише Publisher, споживач приймає
	h, service, _ := setupHandler(t)
	for _, m := range w.messages {
		require.NoError(t, h.Handle(ctx, m.Value))
	}

	count, err := service.UnreadCount(ctx, "user-a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

// flakyStore відмовляє першій спробі зберегти копію для одного користувача
type flakyStore struct {
	store.NotificationStore

	mu     sync.Mutex
	failed bool
	userID string
}

func (s *flakyStore) Create(ctx context.Context, n *models.Notification) error {
	s.mu.Lock()
	if n.UserID == s.userID && !s.failed {
		s.failed = true
		s.mu.Unlock()
		return errors.New("write timeout")
	}
	s.mu.Unlock()
	return s.NotificationStore.Create(ctx, n)
}

func TestConsumerRetriesOnlyFailedRecipients(t *testing.T) {
	sqlite, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close(context.Background()) })
	st := &flakyStore{NotificationStore: sqlite, userID: "user-b"}

	log := logging.Component(logging.Discard(), "ingest")
	m := metrics.New()
	hub := realtime.NewHub(st, m, log, realtime.HubOptions{})
	service := services.NewNotificationService(st, hub, log)

	reader := &fakeReader{
		messages: []kafka.Message{
			{Offset: 7, Value: []byte(`{"target":"users","user_ids":["user-a","user-b"],"notification":{"title":"Sale","message":"20% off","kind":"promotion"}}`)},
		},
		drained: make(chan struct{}, 1),
	}
	consumer := &Consumer{reader: reader, handler: NewHandler(service, m, log), log: log, backoff: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	require.NoError(t, <-done)

	for _, userID := range []string{"user-a", "user-b"} {
		list, err := sqlite.ListByUser(context.Background(), userID, store.ListOptions{})
		require.NoError(t, err)
		assert.Len(t, list, 1, userID)
	}

	reader.mu.Lock()
	assert.Equal(t, []int64{7}, reader.committed)
	reader.mu.Unlock()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestedMessages.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.IngestedMessages.WithLabelValues("failed")))
}

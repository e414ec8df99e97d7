package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"mistica-notifications/internal/logging"
	"mistica-notifications/internal/metrics"
	"mistica-notifications/internal/models"
	"mistica-notifications/internal/store"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     string
	userID string

	mu       sync.Mutex
	received [][]byte
	full     bool
	closed   bool
}

func newFakeSession(id, userID string) *fakeSession {
	return &fakeSession{id: id, userID: userID}
}

func (f *fakeSession) ID() string     { return f.id }
func (f *fakeSession) UserID() string { return f.userID }

func (f *fakeSession) Enqueue(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closed {
		return false
	}
	f.received = append(f.received, payload)
	return true
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSession) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received...)
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeReadMarker struct {
	mu     sync.Mutex
	owners map[string]string
	err    error
}

func (m *fakeReadMarker) MarkRead(_ context.Context, userID, id string) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.owners[id] != userID {
		return nil, store.ErrNotFound
	}
	return &models.Notification{ID: id, UserID: userID, Read: true}, nil
}

func newTestHub(t *testing.T, marker ReadMarker) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewHub(marker, m, logging.Component(logging.Discard(), "realtime"), HubOptions{FanoutConcurrency: 4}), m
}

func decode(t *testing.T, payload []byte) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func sampleNotification() models.Notification {
	return models.Notification{
		ID:      "n-1",
		UserID:  "user-a",
		Title:   "Order Update",
		Message: "Your order o-1 status is now shipped",
		Kind:    models.KindOrder,
		Data:    map[string]interface{}{"orderId": "o-1"},
	}
}

func TestSendToUserReachesEveryConnection(t *testing.T) {
	hub, m := newTestHub(t, nil)
	a1 := newFakeSession("c1", "user-a")
	a2 := newFakeSession("c2", "user-a")
	b1 := newFakeSession("c3", "user-b")
	hub.Register(a1)
	hub.Register(a2)
	hub.Register(b1)

	delivered := hub.SendToUser("user-a", sampleNotification())
	assert.Equal(t, 2, delivered)

	require.Len(t, a1.messages(), 1)
	require.Len(t, a2.messages(), 1)
	assert.Equal(t, a1.messages()[0], a2.messages()[0])
	assert.Empty(t, b1.messages())

	ev := decode(t, a1.messages()[0])
	assert.Equal(t, EventNotification, ev.Name)
	var n models.Notification
	require.NoError(t, json.Unmarshal(ev.Data, &n))
	assert.Equal(t, "n-1", n.ID)
	assert.Equal(t, "o-1", n.Data["orderId"])

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(EventNotification)))
}

func TestSendToUserOffline(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	assert.Equal(t, 0, hub.SendToUser("nobody", sampleNotification()))
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	sessions := []*fakeSession{
		newFakeSession("c1", "user-a"),
		newFakeSession("c2", "user-a"),
		newFakeSession("c3", "user-b"),
	}
	for _, s := range sessions {
		hub.Register(s)
	}

	n := sampleNotification()
	n.UserID = ""
	assert.Equal(t, 3, hub.Broadcast(n))

	for _, s := range sessions {
		require.Len(t, s.messages(), 1)
		assert.Equal(t, EventBroadcastNotification, decode(t, s.messages()[0]).Name)
	}
}

func TestSlowConsumerIsDroppedWithoutBlockingOthers(t *testing.T) {
	hub, m := newTestHub(t, nil)
	slow := newFakeSession("c1", "user-a")
	slow.full = true
	fast := newFakeSession("c2", "user-a")
	hub.Register(slow)
	hub.Register(fast)

	assert.Equal(t, 1, hub.SendToUser("user-a", sampleNotification()))

	assert.Len(t, fast.messages(), 1)
	assert.True(t, slow.isClosed())
	assert.Equal(t, []string{"c2"}, hub.ConnectionsOf("user-a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedDeliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
}

func TestSendToUsersPersonalCopies(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	a := newFakeSession("c1", "user-a")
	b := newFakeSession("c2", "user-b")
	hub.Register(a)
	hub.Register(b)

	var (
		mu       sync.Mutex
		prepared []string
	)
	prepare := func(_ context.Context, n *models.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		prepared = append(prepared, n.UserID)
		n.ID = "id-" + n.UserID
		return nil
	}

	tmpl := sampleNotification()
	tmpl.ID = ""
	tmpl.UserID = ""
	err := hub.SendToUsers(context.Background(), []string{"user-a", "user-b", "user-a", "user-c", ""}, tmpl, prepare)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"user-a", "user-b", "user-c"}, prepared)

	var got models.Notification
	require.Len(t, a.messages(), 1)
	require.NoError(t, json.Unmarshal(decode(t, a.messages()[0]).Data, &got))
	assert.Equal(t, "id-user-a", got.ID)
	assert.Equal(t, "user-a", got.UserID)

	require.Len(t, b.messages(), 1)
	require.NoError(t, json.Unmarshal(decode(t, b.messages()[0]).Data, &got))
	assert.Equal(t, "id-user-b", got.ID)
}

func TestSendToUsersPartialFailure(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	a := newFakeSession("c1", "user-a")
	b := newFakeSession("c2", "user-b")
	hub.Register(a)
	hub.Register(b)

	boom := errors.New("store unavailable")
	prepare := func(_ context.Context, n *models.Notification) error {
		if n.UserID == "user-b" {
			return boom
		}
		return nil
	}

	err := hub.SendToUsers(context.Background(), []string{"user-a", "user-b"}, sampleNotification(), prepare)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "user-b")

	var fanoutErr *FanoutError
	require.ErrorAs(t, err, &fanoutErr)
	assert.Equal(t, []string{"user-b"}, fanoutErr.Failed)

	assert.Len(t, a.messages(), 1)
	assert.Empty(t, b.messages())
}

func TestSendToUsersCancelledContext(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	a := newFakeSession("c1", "user-a")
	hub.Register(a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.SendToUsers(ctx, []string{"user-a"}, sampleNotification(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, a.messages())
}

func TestSendToUsersManyRecipients(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	ids := make([]string, 40)
	sessions := make([]*fakeSession, 40)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%02d", i)
		sessions[i] = newFakeSession("c-"+ids[i], ids[i])
		hub.Register(sessions[i])
	}

	require.NoError(t, hub.SendToUsers(context.Background(), ids, sampleNotification(), nil))
	for _, s := range sessions {
		assert.Len(t, s.messages(), 1)
	}
}

func TestHandleMarkReadPublishesToAllSessions(t *testing.T) {
	marker := &fakeReadMarker{owners: map[string]string{"n-1": "user-a"}}
	hub, _ := newTestHub(t, marker)
	c1 := newFakeSession("c1", "user-a")
	c2 := newFakeSession("c2", "user-a")
	other := newFakeSession("c3", "user-b")
	hub.Register(c1)
	hub.Register(c2)
	hub.Register(other)

	hub.HandleEvent(c1, []byte(`{"event":"mark-notification-read","data":"n-1"}`))

	for _, s := range []*fakeSession{c1, c2} {
		require.Len(t, s.messages(), 1)
		ev := decode(t, s.messages()[0])
		assert.Equal(t, EventMarkedRead, ev.Name)
		assert.JSONEq(t, `{"notification_id":"n-1"}`, string(ev.Data))
	}
	assert.Empty(t, other.messages())
}

func TestHandleMarkReadObjectPayload(t *testing.T) {
	marker := &fakeReadMarker{owners: map[string]string{"n-1": "user-a"}}
	hub, _ := newTestHub(t, marker)
	c1 := newFakeSession("c1", "user-a")
	hub.Register(c1)

	hub.HandleEvent(c1, []byte(`{"event":"mark-notification-read","data":{"notification_id":"n-1"}}`))
	assert.Len(t, c1.messages(), 1)
}

func TestHandleMarkReadForeignNotificationIsRejected(t *testing.T) {
	marker := &fakeReadMarker{owners: map[string]string{"n-1": "user-b"}}
	hub, m := newTestHub(t, marker)
	a := newFakeSession("c1", "user-a")
	b := newFakeSession("c2", "user-b")
	hub.Register(a)
	hub.Register(b)

	hub.HandleEvent(a, []byte(`{"event":"mark-notification-read","data":"n-1"}`))

	assert.Empty(t, a.messages())
	assert.Empty(t, b.messages())
	assert.False(t, a.isClosed())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiscardedEvents.WithLabelValues("not_found")))
}

func TestHandleMarkReadStoreError(t *testing.T) {
	marker := &fakeReadMarker{err: errors.New("connection refused")}
	hub, _ := newTestHub(t, marker)
	a := newFakeSession("c1", "user-a")
	hub.Register(a)

	hub.HandleEvent(a, []byte(`{"event":"mark-notification-read","data":"n-1"}`))

	assert.Empty(t, a.messages())
	assert.False(t, a.isClosed())
}

func TestHandleEventDiscardsBadInput(t *testing.T) {
	hub, m := newTestHub(t, &fakeReadMarker{})
	a := newFakeSession("c1", "user-a")
	hub.Register(a)

	inputs := []string{
		`not json`,
		`{"data":"n-1"}`,
		`{"event":"mark-notification-read"}`,
		`{"event":"mark-notification-read","data":""}`,
		`{"event":"mark-notification-read","data":42}`,
		`{"event":"notification-received"}`,
	}
	for _, in := range inputs {
		hub.HandleEvent(a, []byte(in))
	}
	hub.HandleEvent(a, []byte(`{"event":"subscribe","data":"x"}`))

	assert.Empty(t, a.messages())
	assert.False(t, a.isClosed())
	assert.True(t, hub.IsOnline("user-a"))
	assert.Equal(t, float64(len(inputs)), testutil.ToFloat64(m.DiscardedEvents.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiscardedEvents.WithLabelValues("unknown_event")))
}

func TestHandleEventReceivedAndPing(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	a := newFakeSession("c1", "user-a")
	hub.Register(a)

	hub.HandleEvent(a, []byte(`{"event":"notification-received","data":"n-1"}`))
	assert.Empty(t, a.messages())

	hub.HandleEvent(a, []byte(`{"event":"ping"}`))
	require.Len(t, a.messages(), 1)
	assert.Equal(t, EventPong, decode(t, a.messages()[0]).Name)
}

func TestShutdownClosesSessions(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	a := newFakeSession("c1", "user-a")
	b := newFakeSession("c2", "user-b")
	hub.Register(a)
	hub.Register(b)

	hub.Shutdown()

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.False(t, hub.IsOnline("user-a"))
	assert.False(t, hub.Register(newFakeSession("c3", "user-c")))
	assert.False(t, hub.IsOnline("user-c"))
}

func TestShutdownRacingRegister(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	const sessions = 64
	all := make([]*fakeSession, sessions)
	accepted := make([]bool, sessions)

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		all[i] = newFakeSession(fmt.Sprintf("c%d", i), fmt.Sprintf("user-%d", i%8))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accepted[i] = hub.Register(all[i])
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Shutdown()
	}()
	wg.Wait()

	// сесія, яку прийняли, закрита Shutdown; решту відхилено
	for i, s := range all {
		if accepted[i] {
			assert.True(t, s.isClosed(), s.ID())
		}
	}
	assert.Empty(t, hub.Registry().All())
}

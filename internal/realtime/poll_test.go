package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollSessionReceivesNotification(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	poll := NewPollSession(hub, "user-a", 0)

	result := make(chan []json.RawMessage, 1)
	go func() {
		result <- poll.Wait(context.Background(), 5*time.Second)
	}()

	require.Eventually(t, func() bool { return hub.IsOnline("user-a") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.SendToUser("user-a", sampleNotification()))

	select {
	case events := <-result:
		require.Len(t, events, 1)
		assert.Equal(t, EventNotification, decode(t, events[0]).Name)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not return")
	}

	assert.False(t, hub.IsOnline("user-a"))
}

func TestPollSessionTimeout(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	poll := NewPollSession(hub, "user-a", 0)

	events := poll.Wait(context.Background(), 20*time.Millisecond)
	assert.Empty(t, events)
	assert.NotNil(t, events)
	assert.False(t, hub.IsOnline("user-a"))
	assert.False(t, poll.Enqueue([]byte(`{}`)))
}

func TestPollSessionContextCancel(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	poll := NewPollSession(hub, "user-a", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Empty(t, poll.Wait(ctx, time.Minute))
	assert.False(t, hub.IsOnline("user-a"))
}

func TestPollSessionAfterShutdown(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	hub.Shutdown()

	poll := NewPollSession(hub, "user-a", 0)
	assert.Empty(t, poll.Wait(context.Background(), time.Minute))
}

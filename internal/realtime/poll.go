package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPollBuffer = 32

// PollSession - коротко живуча сесія для клієнтів без websocket.
// Поки запит чекає, користувач вважається онлайн і отримує події як звичайне з'єднання.
type PollSession struct {
	hub    *Hub
	id     string
	userID string

	events    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewPollSession(hub *Hub, userID string, buffer int) *PollSession {
	if buffer <= 0 {
		buffer = defaultPollBuffer
	}
	return &PollSession{
		hub:    hub,
		id:     "poll-" + uuid.NewString(),
		userID: userID,
		events: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (p *PollSession) ID() string     { return p.id }
func (p *PollSession) UserID() string { return p.userID }

func (p *PollSession) Enqueue(payload []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.events <- payload:
		return true
	default:
		return false
	}
}

func (p *PollSession) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.hub.Deregister(p)
	})
}

// Wait чекає першу подію не довше за timeout, потім забирає все, що вже в буфері.
// Порожній результат означає, що за час очікування нічого не надійшло.
func (p *PollSession) Wait(ctx context.Context, timeout time.Duration) []json.RawMessage {
	events := make([]json.RawMessage, 0)
	if !p.hub.Register(p) {
		return events
	}
	defer p.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-p.events:
		events = append(events, payload)
	case <-timer.C:
		return events
	case <-ctx.Done():
		return events
	case <-p.done:
	}

	for {
		select {
		case payload := <-p.events:
			events = append(events, payload)
		default:
			return events
		}
	}
}

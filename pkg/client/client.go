// Package client - Go клієнт каналу сповіщень: тримає з'єднання, перепідключається
// з backoff і підтримує локальний список сповіщень у синхроні з сервером.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"mistica-notifications/internal/models"
	"mistica-notifications/internal/realtime"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var (
	ErrUnauthorized       = errors.New("unable to connect: unauthorized")
	ErrRetriesExhausted   = errors.New("unable to connect: retries exhausted")
	ErrNotConnected       = errors.New("not connected")
	defaultRequestTimeout = 10 * time.Second
)

type Options struct {
	// BaseURL сервісу, наприклад http://localhost:8080
	BaseURL string
	Token   string

	// Значення за замовчуванням як у браузерного клієнта: 1s, 5s, 5 спроб
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int

	OnNotification func(models.Notification)
	OnStateChange  func(State)

	Dialer *websocket.Dialer
	Log    *logrus.Entry
}

type Client struct {
	opts    Options
	rest    *resty.Client
	breaker *gobreaker.CircuitBreaker

	mu            sync.Mutex
	state         State
	notifications []models.Notification

	connMu sync.Mutex
	conn   *websocket.Conn
}

func New(opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		opts.Log = logrus.NewEntry(l)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	log := opts.Log
	return &Client{
		opts: opts,
		rest: resty.New().
			SetBaseURL(opts.BaseURL).
			SetAuthToken(opts.Token).
			SetTimeout(defaultRequestTimeout),
		// REST виклики не довбуть сервер, що лежить, поки крутиться перепідключення
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notifications-api",
			MaxRequests: 1,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Info("Circuit breaker state changed")
			},
		}),
		state:         StateDisconnected,
		notifications: []models.Notification{},
	}
}

// Run тримає з'єднання до скасування ctx. Повертає nil при скасуванні,
// ErrUnauthorized якщо сервер відхилив токен, ErrRetriesExhausted після
// MaxRetries невдалих спроб поспіль.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		c.setState(StateConnecting)

		conn, resp, err := c.opts.Dialer.DialContext(ctx, c.wsURL(), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return ErrUnauthorized
			}

			failures++
			if failures > c.opts.MaxRetries {
				return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
			}
			c.opts.Log.WithError(err).WithField("attempt", failures).Warn("Connection failed, retrying")
			if !wait(ctx, Backoff(c.opts.BaseDelay, c.opts.MaxDelay, failures-1)) {
				return nil
			}
			continue
		}

		failures = 0
		c.setConn(conn)

		// Connected виставляється після синхронізації: події, що прийшли за цей
		// час, чекають у сокеті і дедуплікуються за id
		if err := c.Sync(ctx); err != nil {
			c.opts.Log.WithError(err).Warn("Failed to pull unread notifications")
		}
		c.setState(StateConnected)

		c.readLoop(ctx, conn)

		c.setConn(nil)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		if !wait(ctx, Backoff(c.opts.BaseDelay, c.opts.MaxDelay, 0)) {
			return nil
		}
	}
}

// Backoff - BaseDelay * 2^attempt, не більше MaxDelay
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// Sync підтягує непрочитані сповіщення, пропущені поки клієнт був офлайн
func (c *Client) Sync(ctx context.Context) error {
	var out struct {
		Notifications []models.Notification `json:"notifications"`
	}

	resp, err := c.request(ctx, http.MethodGet, "/api/v1/notifications/unread", &out)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("unread request failed with status %d", resp.StatusCode())
	}

	c.merge(out.Notifications)
	return nil
}

// MarkRead оптимістично позначає сповіщення прочитаним, потім повідомляє сервер
func (c *Client) MarkRead(ctx context.Context, id string) error {
	c.applyRead(id)

	if err := c.emit(realtime.EventMarkRead, id); err != nil && !errors.Is(err, ErrNotConnected) {
		c.opts.Log.WithError(err).Debug("Failed to emit mark-read")
	}

	resp, err := c.request(ctx, http.MethodPut, "/api/v1/notifications/"+url.PathEscape(id)+"/read", nil)
	if err != nil {
		return err
	}
	// broadcast сповіщення не зберігаються на сервері
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("mark read failed with status %d", resp.StatusCode())
	}
	return nil
}

// Delete прибирає сповіщення локально і на сервері. Інші пристрої про це не дізнаються.
func (c *Client) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	for i, n := range c.notifications {
		if n.ID == id {
			c.notifications = append(c.notifications[:i], c.notifications[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	resp, err := c.request(ctx, http.MethodDelete, "/api/v1/notifications/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("delete failed with status %d", resp.StatusCode())
	}
	return nil
}

// Clear очищає лише локальний стан
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = []models.Notification{}
}

// Notifications - копія локального списку, нові першими
func (c *Client) Notifications() []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Notification(nil), c.notifications...)
}

func (c *Client) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, n := range c.notifications {
		if !n.Read {
			count++
		}
	}
	return count
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// request виконує REST виклик через circuit breaker. Відповіді 5xx рахуються
// як збої; коли breaker відкритий, повертається gobreaker.ErrOpenState.
func (c *Client) request(ctx context.Context, method, path string, result interface{}) (*resty.Response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req := c.rest.R().SetContext(ctx)
		if result != nil {
			req.SetResult(result)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*resty.Response), nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.opts.Log.WithError(err).Info("Disconnected from notification service")
			}
			return
		}

		var ev realtime.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		c.handle(ev)
	}
}

func (c *Client) handle(ev realtime.Event) {
	switch ev.Name {
	case realtime.EventNotification, realtime.EventBroadcastNotification:
		var n models.Notification
		if err := json.Unmarshal(ev.Data, &n); err != nil {
			return
		}
		if c.receive(n) && c.opts.OnNotification != nil {
			c.opts.OnNotification(n)
		}
	case realtime.EventMarkedRead:
		id, err := realtime.ParseNotificationID(ev.Data)
		if err != nil {
			return
		}
		c.applyRead(id)
	}
}

// receive додає сповіщення на початок списку; дублікати за id ігноруються
func (c *Client) receive(n models.Notification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n.ID != "" {
		for _, existing := range c.notifications {
			if existing.ID == n.ID {
				return false
			}
		}
	}
	c.notifications = append([]models.Notification{n}, c.notifications...)
	return true
}

// applyRead монотонний: прочитане не стає непрочитаним, повтор нічого не змінює
func (c *Client) applyRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.notifications {
		if c.notifications[i].ID == id {
			return c.notifications[i].MarkRead(time.Now().UTC())
		}
	}
	return false
}

func (c *Client) merge(pulled []models.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]int, len(c.notifications))
	for i, n := range c.notifications {
		known[n.ID] = i
	}

	for _, n := range pulled {
		if i, ok := known[n.ID]; ok {
			// локально прочитане лишається прочитаним
			if n.Read {
				c.notifications[i].MarkRead(time.Now().UTC())
			}
			continue
		}
		c.notifications = append(c.notifications, n)
		known[n.ID] = len(c.notifications) - 1
	}

	sort.SliceStable(c.notifications, func(i, j int) bool {
		return c.notifications[i].CreatedAt.After(c.notifications[j].CreatedAt)
	})
}

func (c *Client) emit(event string, data interface{}) error {
	payload, err := realtime.EncodeEvent(event, data)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultRequestTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Client) wsURL() string {
	base := c.opts.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?token=" + url.QueryEscape(c.opts.Token)
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

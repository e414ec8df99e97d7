package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"mistica-notifications/internal/metrics"
	"mistica-notifications/internal/middleware"
	"mistica-notifications/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type WebSocketHandler struct {
	hub           *realtime.Hub
	authenticator *realtime.Authenticator
	metrics       *metrics.Metrics
	clientConfig  realtime.ClientConfig
	pollTimeout   time.Duration
	upgrader      websocket.Upgrader
	log           *logrus.Entry
}

type WebSocketOptions struct {
	Client         realtime.ClientConfig
	PollTimeout    time.Duration
	AllowedOrigins []string
}

func NewWebSocketHandler(hub *realtime.Hub, authenticator *realtime.Authenticator, m *metrics.Metrics, opts WebSocketOptions, log *logrus.Entry) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		authenticator: authenticator,
		metrics:       m,
		clientConfig:  opts.Client,
		pollTimeout:   opts.PollTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		log: log,
	}
}

// HandleWebSocket перевіряє токен до upgrade: неавтентифіковане з'єднання
// ніколи не потрапляє в реєстр.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	claims, err := h.authenticator.Authenticate(c.Request)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, realtime.ErrMissingToken) {
			reason = "missing_token"
		}
		h.metrics.HandshakeFailures.WithLabelValues(reason).Inc()
		h.log.WithError(err).WithField("client_ip", c.ClientIP()).Warn("WebSocket handshake rejected")

		c.JSON(http.StatusUnauthorized, gin.H{
			"error":  "Authentication error",
			"reason": reason,
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader вже відповів клієнту
		h.metrics.HandshakeFailures.WithLabelValues("upgrade").Inc()
		h.log.WithError(err).Warn("WebSocket upgrade error")
		return
	}

	realtime.NewClient(h.hub, conn, claims.Identity(), h.clientConfig).Run()
}

// Poll - long-poll для клієнтів без websocket. Повертає події, що надійшли
// за час очікування; порожній список означає таймаут.
func (h *WebSocketHandler) Poll(c *gin.Context) {
	session := realtime.NewPollSession(h.hub, middleware.UserID(c), h.clientConfig.SendBuffer)
	events := session.Wait(c.Request.Context(), h.pollTimeout)

	c.JSON(http.StatusOK, gin.H{"events": events})
}

func originChecker(allowed []string) func(r *http.Request) bool {
	hosts := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		hosts[origin] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// не браузер
			return true
		}
		if _, ok := hosts[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

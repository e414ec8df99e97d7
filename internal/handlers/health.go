package handlers

import (
	"context"
	"net/http"
	"time"

	"mistica-notifications/internal/realtime"

	"github.com/gin-gonic/gin"
)

// Pinger - залежність, від якої залежить готовність (MongoDB, Redis)
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc дозволяє передати функцію як Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	registry  *realtime.Registry
	checks    map[string]Pinger
	version   string
	startedAt time.Time
}

func NewHealthHandler(registry *realtime.Registry, version string, checks map[string]Pinger) *HealthHandler {
	if checks == nil {
		checks = map[string]Pinger{}
	}
	return &HealthHandler{
		registry:  registry,
		checks:    checks,
		version:   version,
		startedAt: time.Now(),
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	users, connections := h.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(h.startedAt).String(),
		"version":   h.version,
		"stats": gin.H{
			"websocket_connections": connections,
			"online_users":          users,
		},
	})
}

// Ready перевіряє залежності для Kubernetes readiness
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

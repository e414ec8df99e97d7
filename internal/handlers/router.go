package handlers

import (
	"net/http"
	"time"

	"mistica-notifications/internal/config"
	"mistica-notifications/internal/metrics"
	"mistica-notifications/internal/middleware"
	"mistica-notifications/internal/models"
	"mistica-notifications/pkg/auth"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RouterDeps - все, що потрібно для маршрутів
type RouterDeps struct {
	Config        *config.Config
	JWTManager    *auth.JWTManager
	Metrics       *metrics.Metrics
	RateLimiter   *middleware.RateLimiter
	WebSocket     *WebSocketHandler
	Notifications *NotificationHandler
	Health        *HealthHandler
	Log           *logrus.Entry
}

func SetupRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	router := gin.New()

	// Глобальні middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(deps.Log))

	// CORS налаштування для frontend
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(1 << 20))

	// WebSocket endpoint; rate limit лише на handshake
	ws := []gin.HandlerFunc{deps.WebSocket.HandleWebSocket}
	if deps.RateLimiter != nil {
		ws = append([]gin.HandlerFunc{deps.RateLimiter.RateLimit()}, ws...)
	}
	router.GET("/ws", ws...)

	// Health check та метрики
	router.GET("/health", deps.Health.Health)
	router.GET("/ready", deps.Health.Ready)
	router.GET("/live", deps.Health.Live)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(deps.JWTManager))
	{
		notifications := v1.Group("/notifications")
		notifications.Use(middleware.RequirePermission(models.PermissionReadNotifications))
		{
			notifications.GET("", deps.Notifications.GetNotifications)
			notifications.GET("/unread", deps.Notifications.GetUnread)
			notifications.GET("/unread-count", deps.Notifications.GetUnreadCount)
			notifications.GET("/poll", deps.WebSocket.Poll)
			notifications.PUT("/read-all", deps.Notifications.MarkAllAsRead)
			notifications.PUT("/:id/read", deps.Notifications.MarkAsRead)
			notifications.DELETE("/:id", deps.Notifications.DeleteNotification)
		}

		// Внутрішні маршрути для сервісів замовлень, оплати та маркетингу
		internal := v1.Group("/internal")
		internal.Use(middleware.RequireAnyRole(models.RoleService, models.RoleAdmin))
		{
			send := internal.Group("/notifications")
			send.Use(middleware.RequirePermission(models.PermissionSendNotifications))
			{
				send.POST("", deps.Notifications.SendNotification)
				send.POST("/batch", deps.Notifications.SendBatch)
				send.POST("/order-update", deps.Notifications.OrderUpdate)
				send.POST("/payment-success", deps.Notifications.PaymentSuccess)
				send.POST("/promotion", deps.Notifications.Promotion)
				send.POST("/recommendation", deps.Notifications.Recommendation)
			}
			internal.POST("/notifications/broadcast",
				middleware.RequirePermission(models.PermissionBroadcast),
				deps.Notifications.Broadcast)

			internal.GET("/presence/:user_id",
				middleware.RequirePermission(models.PermissionReadPresence),
				deps.Notifications.Presence)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Endpoint not found",
			"path":  c.Request.URL.Path,
		})
	})

	return router
}

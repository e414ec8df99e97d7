// internal/handlers/notification.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mistica-notifications/internal/middleware"
	"mistica-notifications/internal/models"
	"mistica-notifications/internal/services"
	"mistica-notifications/internal/store"
	"mistica-notifications/pkg/validator"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 10 * time.Second

type NotificationHandler struct {
	service *services.NotificationService
	log     *logrus.Entry
}

type NotificationPayload struct {
	Title   string                 `json:"title" validate:"required,max=200"`
	Message string                 `json:"message" validate:"required,max=1000"`
	Kind    models.Kind            `json:"kind" validate:"required,notification_kind"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (p NotificationPayload) toModel(userID string) models.Notification {
	return models.Notification{
		UserID:  userID,
		Title:   p.Title,
		Message: p.Message,
		Kind:    p.Kind,
		Data:    p.Data,
	}
}

type SendNotificationRequest struct {
	UserID string `json:"user_id" validate:"required"`
	NotificationPayload
}

type SendBatchRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=10000,dive,required"`
	NotificationPayload
}

type OrderUpdateRequest struct {
	UserID  string                 `json:"user_id" validate:"required"`
	OrderID string                 `json:"order_id" validate:"required"`
	Status  string                 `json:"status" validate:"required"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type PaymentSuccessRequest struct {
	UserID  string  `json:"user_id" validate:"required"`
	OrderID string  `json:"order_id" validate:"required"`
	Amount  float64 `json:"amount" validate:"gt=0"`
}

type PromotionRequest struct {
	UserID  string                 `json:"user_id" validate:"required"`
	Title   string                 `json:"title" validate:"required,max=200"`
	Message string                 `json:"message" validate:"required,max=1000"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type RecommendationRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	ProductID   string `json:"product_id" validate:"required"`
	ProductName string `json:"product_name" validate:"required"`
}

func NewNotificationHandler(service *services.NotificationService, log *logrus.Entry) *NotificationHandler {
	return &NotificationHandler{service: service, log: log}
}

// Історія сповіщень поточного користувача

func (h *NotificationHandler) GetNotifications(c *gin.Context) {
	userID := middleware.UserID(c)

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(store.DefaultLimit)))
	unreadOnly := c.DefaultQuery("unread_only", "false") == "true"

	if page <= 0 {
		page = 1
	}
	opts := store.ListOptions{Limit: limit, UnreadOnly: unreadOnly}.Normalize()
	opts.Offset = (page - 1) * opts.Limit

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	notifications, err := h.service.List(ctx, userID, opts)
	if err != nil {
		h.internalError(c, err, "Error fetching notifications")
		return
	}

	unreadCount, err := h.service.UnreadCount(ctx, userID)
	if err != nil {
		h.internalError(c, err, "Error counting notifications")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"unread_count":  unreadCount,
		"pagination": gin.H{
			"page":  page,
			"limit": opts.Limit,
		},
	})
}

func (h *NotificationHandler) GetUnread(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	notifications, err := h.service.ListUnread(ctx, middleware.UserID(c))
	if err != nil {
		h.internalError(c, err, "Error fetching notifications")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

func (h *NotificationHandler) GetUnreadCount(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	count, err := h.service.UnreadCount(ctx, middleware.UserID(c))
	if err != nil {
		h.internalError(c, err, "Error counting notifications")
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (h *NotificationHandler) MarkAsRead(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	notification, err := h.service.MarkRead(ctx, middleware.UserID(c), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
		return
	}
	if err != nil {
		h.internalError(c, err, "Error updating notification")
		return
	}

	c.JSON(http.StatusOK, gin.H{"notification": notification})
}

func (h *NotificationHandler) MarkAllAsRead(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	updated, err := h.service.MarkAllRead(ctx, middleware.UserID(c))
	if err != nil {
		h.internalError(c, err, "Error updating notifications")
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *NotificationHandler) DeleteNotification(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	err := h.service.Delete(ctx, middleware.UserID(c), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
		return
	}
	if err != nil {
		h.internalError(c, err, "Error deleting notification")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notification deleted"})
}

// Внутрішні ендпоінти для сервісів-продюсерів

func (h *NotificationHandler) SendNotification(c *gin.Context) {
	var req SendNotificationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.Notify(c.Request.Context(), req.toModel(req.UserID))
	h.respondDelivery(c, result, err)
}

func (h *NotificationHandler) SendBatch(c *gin.Context) {
	var req SendBatchRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.service.NotifyUsers(c.Request.Context(), req.UserIDs, req.toModel(""))
	if errors.Is(err, services.ErrInvalidNotification) {
		validationError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusMultiStatus, gin.H{
			"error":   "Some notifications were not delivered",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"recipients": len(req.UserIDs)})
}

func (h *NotificationHandler) Broadcast(c *gin.Context) {
	var req NotificationPayload
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.Broadcast(c.Request.Context(), req.toModel(""))
	h.respondDelivery(c, result, err)
}

func (h *NotificationHandler) OrderUpdate(c *gin.Context) {
	var req OrderUpdateRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.NotifyOrderUpdate(c.Request.Context(), req.UserID, req.OrderID, req.Status, req.Details)
	h.respondDelivery(c, result, err)
}

func (h *NotificationHandler) PaymentSuccess(c *gin.Context) {
	var req PaymentSuccessRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.NotifyPaymentSuccess(c.Request.Context(), req.UserID, req.OrderID, req.Amount)
	h.respondDelivery(c, result, err)
}

func (h *NotificationHandler) Promotion(c *gin.Context) {
	var req PromotionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.NotifyPromotion(c.Request.Context(), req.UserID, req.Title, req.Message, req.Details)
	h.respondDelivery(c, result, err)
}

func (h *NotificationHandler) Recommendation(c *gin.Context) {
	var req RecommendationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.NotifyRecommendation(c.Request.Context(), req.UserID, req.ProductName, req.ProductID)
	h.respondDelivery(c, result, err)
}

func (h *NotificationHandler) Presence(c *gin.Context) {
	userID := c.Param("user_id")
	c.JSON(http.StatusOK, gin.H{
		"user_id":     userID,
		"online":      h.service.IsOnline(userID),
		"connections": h.service.ConnectionsOf(userID),
	})
}

// Допоміжні функції

func (h *NotificationHandler) respondDelivery(c *gin.Context, result *services.DeliveryResult, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidNotification), errors.Is(err, services.ErrUserRequired):
		validationError(c, err)
	case err != nil:
		h.internalError(c, err, "Error sending notification")
	default:
		c.JSON(http.StatusCreated, result)
	}
}

func (h *NotificationHandler) internalError(c *gin.Context, err error, message string) {
	_ = c.Error(err)
	h.log.WithError(err).WithField("path", c.FullPath()).Error(message)
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}

func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request data",
			"details": err.Error(),
		})
		return false
	}
	if err := validator.Validate(req); err != nil {
		validationError(c, err)
		return false
	}
	return true
}

func validationError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Validation failed",
		"details": validator.FormatErrors(err),
	})
}

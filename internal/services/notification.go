package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mistica-notifications/internal/models"
	"mistica-notifications/internal/realtime"
	"mistica-notifications/internal/store"
	"mistica-notifications/pkg/validator"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUserRequired        = errors.New("user id is required")
	ErrInvalidNotification = errors.New("invalid notification")
)

// DeliveryResult - що сталося з одним сповіщенням
type DeliveryResult struct {
	Notification models.Notification `json:"notification"`
	Delivered    int                 `json:"delivered"`
}

// NotificationService - точка входу для продюсерів (замовлення, оплата, маркетинг)
// та для REST читання історії. Зберігає сповіщення і передає їх у hub.
type NotificationService struct {
	store store.NotificationStore
	hub   *realtime.Hub
	log   *logrus.Entry
	now   func() time.Time
}

func NewNotificationService(st store.NotificationStore, hub *realtime.Hub, log *logrus.Entry) *NotificationService {
	return &NotificationService{
		store: st,
		hub:   hub,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Відправка сповіщення одному користувачу.
// Сповіщення зберігається завжди, навіть якщо користувач офлайн.
func (ns *NotificationService) Notify(ctx context.Context, n models.Notification) (*DeliveryResult, error) {
	n.UserID = strings.TrimSpace(n.UserID)
	if n.UserID == "" {
		return nil, ErrUserRequired
	}
	if err := ns.validate(&n); err != nil {
		return nil, err
	}
	ns.reset(&n)

	if err := ns.store.Create(ctx, &n); err != nil {
		return nil, fmt.Errorf("failed to save notification: %w", err)
	}

	delivered := ns.hub.SendToUser(n.UserID, n)
	ns.log.WithFields(logrus.Fields{
		"user_id":         n.UserID,
		"notification_id": n.ID,
		"kind":            n.Kind,
		"delivered":       delivered,
	}).Debug("Notification sent")

	return &DeliveryResult{Notification: n, Delivered: delivered}, nil
}

// Відправка однакового сповіщення групі користувачів: кожен отримує власну копію з власним id
func (ns *NotificationService) NotifyUsers(ctx context.Context, userIDs []string, tmpl models.Notification) error {
	if err := ns.validate(&tmpl); err != nil {
		return err
	}
	ns.reset(&tmpl)
	tmpl.ID = ""

	err := ns.hub.SendToUsers(ctx, userIDs, tmpl, func(ctx context.Context, n *models.Notification) error {
		return ns.store.Create(ctx, n)
	})
	if err != nil {
		ns.log.WithError(err).WithField("recipients", len(userIDs)).Warn("Batch notification partially failed")
		return err
	}
	return nil
}

// Broadcast доставляє сповіщення всім підключеним. Воно не зберігається:
// офлайн користувачі його не отримають.
func (ns *NotificationService) Broadcast(_ context.Context, tmpl models.Notification) (*DeliveryResult, error) {
	if err := ns.validate(&tmpl); err != nil {
		return nil, err
	}
	ns.reset(&tmpl)
	tmpl.UserID = ""
	tmpl.ID = uuid.NewString()

	delivered := ns.hub.Broadcast(tmpl)
	ns.log.WithFields(logrus.Fields{
		"notification_id": tmpl.ID,
		"delivered":       delivered,
	}).Info("Broadcast notification sent")

	return &DeliveryResult{Notification: tmpl, Delivered: delivered}, nil
}

// Спеціалізовані методи для різних типів сповіщень

func (ns *NotificationService) NotifyOrderUpdate(ctx context.Context, userID, orderID, status string, details map[string]interface{}) (*DeliveryResult, error) {
	data := map[string]interface{}{
		"orderId": orderID,
		"status":  status,
	}
	for k, v := range details {
		data[k] = v
	}

	return ns.Notify(ctx, models.Notification{
		UserID:  userID,
		Title:   "Order Update",
		Message: fmt.Sprintf("Your order %s status is now %s", orderID, status),
		Kind:    models.KindOrder,
		Data:    data,
	})
}

func (ns *NotificationService) NotifyPaymentSuccess(ctx context.Context, userID, orderID string, amount float64) (*DeliveryResult, error) {
	return ns.Notify(ctx, models.Notification{
		UserID:  userID,
		Title:   "Payment Confirmed",
		Message: fmt.Sprintf("Payment of $%.2f for order %s has been confirmed", amount, orderID),
		Kind:    models.KindPayment,
		Data: map[string]interface{}{
			"orderId": orderID,
			"amount":  amount,
			"status":  "success",
		},
	})
}

func (ns *NotificationService) NotifyPromotion(ctx context.Context, userID, title, message string, details map[string]interface{}) (*DeliveryResult, error) {
	return ns.Notify(ctx, models.Notification{
		UserID:  userID,
		Title:   title,
		Message: message,
		Kind:    models.KindPromotion,
		Data:    details,
	})
}

func (ns *NotificationService) NotifyRecommendation(ctx context.Context, userID, productName, productID string) (*DeliveryResult, error) {
	return ns.Notify(ctx, models.Notification{
		UserID:  userID,
		Title:   "Personalized Recommendation",
		Message: fmt.Sprintf("Check out %s - we think you might like it!", productName),
		Kind:    models.KindRecommendation,
		Data: map[string]interface{}{
			"productId":   productID,
			"productName": productName,
		},
	})
}

// Читання історії (pull для клієнтів, що були офлайн)

func (ns *NotificationService) List(ctx context.Context, userID string, opts store.ListOptions) ([]models.Notification, error) {
	return ns.store.ListByUser(ctx, userID, opts)
}

func (ns *NotificationService) ListUnread(ctx context.Context, userID string) ([]models.Notification, error) {
	return ns.store.ListUnread(ctx, userID)
}

func (ns *NotificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return ns.store.CountUnread(ctx, userID)
}

// MarkRead позначає сповіщення прочитаним і синхронізує всі відкриті з'єднання користувача.
// store.ErrNotFound - сповіщення не існує або належить іншому користувачу.
func (ns *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) (*models.Notification, error) {
	n, err := ns.store.MarkRead(ctx, userID, notificationID)
	if err != nil {
		return nil, err
	}
	ns.hub.PublishReadState(userID, n.ID)
	return n, nil
}

func (ns *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	unread, err := ns.store.ListUnread(ctx, userID)
	if err != nil {
		return 0, err
	}

	updated, err := ns.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}

	for _, n := range unread {
		ns.hub.PublishReadState(userID, n.ID)
	}
	return updated, nil
}

func (ns *NotificationService) Delete(ctx context.Context, userID, notificationID string) error {
	return ns.store.Delete(ctx, userID, notificationID)
}

// Присутність

func (ns *NotificationService) IsOnline(userID string) bool {
	return ns.hub.IsOnline(userID)
}

func (ns *NotificationService) ConnectionsOf(userID string) []string {
	return ns.hub.ConnectionsOf(userID)
}

// Допоміжні функції

func (ns *NotificationService) validate(n *models.Notification) error {
	n.Title = strings.TrimSpace(n.Title)
	n.Message = strings.TrimSpace(n.Message)
	if err := validator.Validate(n); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}
	return nil
}

// reset - нове сповіщення завжди непрочитане
func (ns *NotificationService) reset(n *models.Notification) {
	n.Read = false
	n.ReadAt = nil
	if n.CreatedAt.IsZero() {
		n.CreatedAt = ns.now()
	}
}

// Package store містить сховища сповіщень. Сервіс доставки лише читає і
// оновлює записи, вся довговічність даних делегована сюди.
package store

import (
	"context"
	"errors"
	"fmt"

	"mistica-notifications/internal/models"
)

// ErrNotFound повертається, якщо сповіщення не існує або належить іншому користувачу
var ErrNotFound = errors.New("notification not found")

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type ListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}

// Normalize приводить limit та offset до допустимих значень
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Limit > MaxLimit {
		o.Limit = MaxLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

type NotificationStore interface {
	// Create зберігає сповіщення і заповнює ID та CreatedAt
	Create(ctx context.Context, n *models.Notification) error
	Get(ctx context.Context, id string) (*models.Notification, error)
	// ListByUser повертає сповіщення користувача, найновіші першими
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error)
	ListUnread(ctx context.Context, userID string) ([]models.Notification, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	// MarkRead позначає сповіщення користувача прочитаним. Вже прочитане
	// повертається без змін (read_at не перезаписується).
	MarkRead(ctx context.Context, userID, id string) (*models.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID, id string) error
	Close(ctx context.Context) error
}

// Driver назви
const (
	DriverMongo     = "mongo"
	DriverSQLite    = "sqlite"
	DriverRedis     = "redis"
	DriverCassandra = "cassandra"
)

// ErrUnknownDriver повертається для невідомого STORE_DRIVER
type ErrUnknownDriver struct {
	Driver string
}

func (e ErrUnknownDriver) Error() string {
	return fmt.Sprintf("unknown store driver %q", e.Driver)
}

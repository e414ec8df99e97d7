package models

import (
	"time"
)

// Kind визначає тип сповіщення. Використовується лише клієнтом для відображення,
// на доставку не впливає.
type Kind string

// Типи сповіщень
const (
	KindOrder          Kind = "order"
	KindPayment        Kind = "payment"
	KindPromotion      Kind = "promotion"
	KindRecommendation Kind = "recommendation"
	KindSystem         Kind = "system"
)

// Kinds повертає всі допустимі типи
func Kinds() []Kind {
	return []Kind{KindOrder, KindPayment, KindPromotion, KindRecommendation, KindSystem}
}

// IsValid перевіряє чи тип валідний
func (k Kind) IsValid() bool {
	switch k {
	case KindOrder, KindPayment, KindPromotion, KindRecommendation, KindSystem:
		return true
	}
	return false
}

type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id,omitempty"` // порожній для broadcast
	Title     string                 `json:"title" validate:"required,max=200"`
	Message   string                 `json:"message" validate:"required,max=1000"`
	Kind      Kind                   `json:"kind" validate:"required,notification_kind"`
	Data      map[string]interface{} `json:"data,omitempty"` // Додаткові дані (orderId, amount, productId...)
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"created_at"`
	ReadAt    *time.Time             `json:"read_at,omitempty"`
}

// MarkRead переводить сповіщення у прочитане. Прочитане сповіщення
// ніколи не стає непрочитаним, тому повторний виклик нічого не змінює.
func (n *Notification) MarkRead(now time.Time) bool {
	if n.Read {
		return false
	}
	n.Read = true
	n.ReadAt = &now
	return true
}

// ForUser повертає копію шаблону для конкретного отримувача
func (n Notification) ForUser(userID string) Notification {
	cp := n
	cp.UserID = userID
	if n.Data != nil {
		cp.Data = make(map[string]interface{}, len(n.Data))
		for k, v := range n.Data {
			cp.Data[k] = v
		}
	}
	return cp
}

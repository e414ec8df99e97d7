package realtime

import (
	"encoding/json"
	"errors"
	"strings"
)

// Назви подій каналу
const (
	EventNotification          = "notification"
	EventBroadcastNotification = "broadcast-notification"
	EventMarkRead              = "mark-notification-read"
	EventMarkedRead            = "notification-marked-read"
	EventReceived              = "notification-received"
	EventPing                  = "ping"
	EventPong                  = "pong"
)

var errNoNotificationID = errors.New("notification id is required")

// Event - конверт кожного повідомлення у каналі
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReadState - payload події notification-marked-read
type ReadState struct {
	NotificationID string `json:"notification_id"`
}

// EncodeEvent серіалізує подію один раз, далі ці байти йдуть усім з'єднанням
func EncodeEvent(name string, data interface{}) ([]byte, error) {
	ev := Event{Name: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		ev.Data = raw
	}
	return json.Marshal(ev)
}

// ParseNotificationID приймає id як JSON рядок або як {"notification_id": "..."}
func ParseNotificationID(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", errNoNotificationID
	}

	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		var state ReadState
		if err := json.Unmarshal(data, &state); err != nil {
			return "", err
		}
		id = state.NotificationID
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return "", errNoNotificationID
	}
	return id, nil
}

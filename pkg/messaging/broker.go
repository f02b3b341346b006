package messaging

import (
	"context"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Topics used on the broker.
const (
	TopicNotifications = "notifications"
)

// NotificationMessage is the payload published on the notifications topic by
// the in-app channel adapter and consumed by the realtime hub.
type NotificationMessage struct {
	NotificationID string                 `json:"notification_id"`
	UserID         string                 `json:"user_id"`
	Type           string                 `json:"type"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Priority       string                 `json:"priority"`
	SourceAppID    string                 `json:"source_app_id"`
}

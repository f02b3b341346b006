package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// WebhookSubscription registers an outbound endpoint for an app. The
// subscription is deactivated automatically once ConsecutiveFailures reaches
// the configured threshold; reactivation is an explicit external action.
type WebhookSubscription struct {
	ID                  uuid.UUID      `json:"id" db:"id"`
	AppID               string         `json:"app_id" db:"app_id"`
	URL                 string         `json:"url" db:"url"`
	Secret              string         `json:"-" db:"secret"`
	EventTypes          pq.StringArray `json:"event_types" db:"event_types"`
	Active              bool           `json:"active" db:"active"`
	LastDeliveryAt      *time.Time     `json:"last_delivery_at,omitempty" db:"last_delivery_at"`
	ConsecutiveFailures int            `json:"consecutive_failures" db:"consecutive_failures"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// SubscribedTo reports whether the webhook wants the fully-qualified
// event type.
func (w *WebhookSubscription) SubscribedTo(eventType string) bool {
	for _, t := range w.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// WebhookDeliveryLog is an append-only audit row, one per delivery attempt.
// ResponseBody is truncated before persistence.
type WebhookDeliveryLog struct {
	ID             uuid.UUID `json:"id" db:"id"`
	WebhookID      uuid.UUID `json:"webhook_id" db:"webhook_id"`
	EventID        uuid.UUID `json:"event_id" db:"event_id"`
	EventType      string    `json:"event_type" db:"event_type"`
	ResponseStatus *int      `json:"response_status,omitempty" db:"response_status"`
	ResponseBody   string    `json:"response_body" db:"response_body"`
	Attempts       int       `json:"attempts" db:"attempts"`
	Success        bool      `json:"success" db:"success"`
	Error          *string   `json:"error,omitempty" db:"error_message"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

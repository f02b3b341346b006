package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// Delivery channels
const (
	ChannelInApp    = "in_app"
	ChannelPush     = "push"
	ChannelEmail    = "email"
	ChannelWebhook  = "webhook"
	ChannelRealtime = "realtime"
)

// Notification priorities
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// KnownChannels lists every channel the router can dispatch to.
var KnownChannels = []string{ChannelInApp, ChannelPush, ChannelEmail, ChannelWebhook, ChannelRealtime}

// IsKnownChannel reports whether name is a recognized delivery channel.
func IsKnownChannel(name string) bool {
	for _, c := range KnownChannels {
		if c == name {
			return true
		}
	}
	return false
}

// Notification is a user-facing message derived from an event through a
// mapping rule. Channels holds the post-preference-filter channel set.
type Notification struct {
	ID            uuid.UUID          `json:"id" db:"id"`
	UserID        uuid.UUID          `json:"user_id" db:"user_id"`
	Type          string             `json:"type" db:"notification_type"`
	Title         string             `json:"title" db:"title"`
	Body          string             `json:"body" db:"body"`
	Data          JSONMap            `json:"data" db:"data"`
	Channels      pq.StringArray     `json:"channels" db:"channels"`
	Priority      string             `json:"priority" db:"priority"`
	Status        NotificationStatus `json:"status" db:"status"`
	SourceAppID   string             `json:"source_app_id" db:"source_app_id"`
	EventID       uuid.UUID          `json:"event_id" db:"event_id"`
	CorrelationID string             `json:"correlation_id" db:"correlation_id"`
	SentAt        *time.Time         `json:"sent_at,omitempty" db:"sent_at"`
	ReadAt        *time.Time         `json:"read_at,omitempty" db:"read_at"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" db:"updated_at"`
}

// DeliveryAttempt is one try to deliver a notification through one channel.
type DeliveryAttempt struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	NotificationID uuid.UUID  `json:"notification_id" db:"notification_id"`
	Channel        string     `json:"channel" db:"channel"`
	Status         string     `json:"status" db:"status"`
	Error          *string    `json:"error,omitempty" db:"error_message"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ExternalID     *string    `json:"external_id,omitempty" db:"external_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Delivery attempt statuses
const (
	AttemptStatusSent   = "sent"
	AttemptStatusFailed = "failed"
)

// MappingRule translates an event type into a notification template,
// priority, and default channel set.
type MappingRule struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	EventType        string         `json:"event_type" db:"event_type"`
	NotificationType string         `json:"notification_type" db:"notification_type"`
	Priority         string         `json:"priority" db:"priority"`
	Channels         pq.StringArray `json:"channels" db:"channels"`
	TitleTemplate    string         `json:"title_template" db:"title_template"`
	BodyTemplate     string         `json:"body_template" db:"body_template"`
	Enabled          bool           `json:"enabled" db:"enabled"`
}

// ChannelPreference toggles an entire channel for a user.
type ChannelPreference struct {
	Enabled bool `json:"enabled"`
}

// TypePreference overrides routing for a single notification type. A nil
// Channels slice means "use the rule's default channels".
type TypePreference struct {
	Enabled  bool     `json:"enabled"`
	Channels []string `json:"channels,omitempty"`
	Priority string   `json:"priority,omitempty"`
}

// NotificationPreferences holds a user's delivery preferences. When no row
// exists for a user the router synthesizes DefaultPreferences.
type NotificationPreferences struct {
	UserID            uuid.UUID                    `json:"user_id" db:"user_id"`
	Channels          map[string]ChannelPreference `json:"channels" db:"-"`
	NotificationTypes map[string]TypePreference    `json:"notification_types" db:"-"`
	UnsubscribedTypes pq.StringArray               `json:"unsubscribed_types" db:"unsubscribed_types"`
	CreatedAt         time.Time                    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time                    `json:"updated_at" db:"updated_at"`
}

// DefaultPreferences returns the synthesized defaults used when a user has
// never saved preferences: in-app and push enabled, everything else off.
func DefaultPreferences(userID uuid.UUID) *NotificationPreferences {
	return &NotificationPreferences{
		UserID: userID,
		Channels: map[string]ChannelPreference{
			ChannelInApp:    {Enabled: true},
			ChannelPush:     {Enabled: true},
			ChannelEmail:    {Enabled: false},
			ChannelWebhook:  {Enabled: false},
			ChannelRealtime: {Enabled: false},
		},
		NotificationTypes: map[string]TypePreference{},
	}
}

// ChannelEnabled reports whether the user left the channel enabled. Channels
// missing from the map count as enabled so new channels are opt-out.
func (p *NotificationPreferences) ChannelEnabled(channel string) bool {
	pref, ok := p.Channels[channel]
	if !ok {
		return true
	}
	return pref.Enabled
}

// Unsubscribed reports whether the user globally opted out of a
// notification type.
func (p *NotificationPreferences) Unsubscribed(notificationType string) bool {
	for _, t := range p.UnsubscribedTypes {
		if t == notificationType {
			return true
		}
	}
	return false
}

// DeliveryResult is the per-channel outcome of a send.
type DeliveryResult struct {
	Channel    string `json:"channel"`
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Event is an immutable fact published by a source app. The fully-qualified
// type string has the form "category.type", e.g. "session.started".
type Event struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Type           string     `json:"type" db:"event_type"`
	SourceAppID    string     `json:"source_app_id" db:"source_app_id"`
	SourceAppName  string     `json:"source_app_name" db:"source_app_name"`
	SourceVersion  string     `json:"source_version" db:"source_version"`
	UserID         *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty" db:"organization_id"`
	CorrelationID  string     `json:"correlation_id" db:"correlation_id"`
	Timestamp      time.Time  `json:"timestamp" db:"occurred_at"`
	Data           JSONMap    `json:"data" db:"data"`
	Metadata       JSONMap    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// EventSource identifies the app that published an event.
type EventSource struct {
	AppID   string `json:"app_id" binding:"required"`
	AppName string `json:"app_name"`
	Version string `json:"version"`
}

// EventFilter narrows event history queries. Absent fields always match;
// present fields combine with AND semantics.
type EventFilter struct {
	Types        []string   `json:"types" form:"types"`
	SourceAppIDs []string   `json:"source_app_ids" form:"source_app_ids"`
	Since        *time.Time `json:"since" form:"since"`
	Until        *time.Time `json:"until" form:"until"`
}

// EventSubscription is the persisted audit row for a subscribe call. The
// in-memory handler registration does not survive a process restart; callers
// must re-subscribe after reconnecting.
type EventSubscription struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	UserID     uuid.UUID      `json:"user_id" db:"user_id"`
	AppID      string         `json:"app_id" db:"app_id"`
	EventTypes pq.StringArray `json:"event_types" db:"event_types"`
	Filters    JSONMap        `json:"filters,omitempty" db:"filters"`
	Active     bool           `json:"active" db:"active"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// Matches reports whether the subscription covers the supplied event type.
// A wildcard entry "*" covers every type.
func (s *EventSubscription) Matches(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}

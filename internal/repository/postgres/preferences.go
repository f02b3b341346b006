package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
)

type preferencesRepository struct {
	BaseRepository
}

func NewPreferencesRepository(base BaseRepository) repository.PreferencesRepository {
	return &preferencesRepository{base}
}

// preferencesRow maps the jsonb columns before unmarshalling into the model.
type preferencesRow struct {
	UserID            uuid.UUID      `db:"user_id"`
	Channels          []byte         `db:"channels"`
	NotificationTypes []byte         `db:"notification_types"`
	UnsubscribedTypes pq.StringArray `db:"unsubscribed_types"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *preferencesRepository) Get(ctx context.Context, userID uuid.UUID) (*model.NotificationPreferences, error) {
	query := `
		SELECT user_id, channels, notification_types, unsubscribed_types, created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`
	var row preferencesRow
	if err := r.db.GetContext(ctx, &row, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	prefs := &model.NotificationPreferences{
		UserID:            row.UserID,
		UnsubscribedTypes: row.UnsubscribedTypes,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	if len(row.Channels) > 0 {
		if err := json.Unmarshal(row.Channels, &prefs.Channels); err != nil {
			return nil, fmt.Errorf("failed to decode channel preferences: %w", err)
		}
	}
	if len(row.NotificationTypes) > 0 {
		if err := json.Unmarshal(row.NotificationTypes, &prefs.NotificationTypes); err != nil {
			return nil, fmt.Errorf("failed to decode type preferences: %w", err)
		}
	}
	return prefs, nil
}

// Upsert relies on the user_id primary key; concurrent writers converge on
// last-write-wins without application locking.
func (r *preferencesRepository) Upsert(ctx context.Context, prefs *model.NotificationPreferences) error {
	if prefs == nil {
		return fmt.Errorf("preferences cannot be nil")
	}

	channels, err := json.Marshal(prefs.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channel preferences: %w", err)
	}
	types, err := json.Marshal(prefs.NotificationTypes)
	if err != nil {
		return fmt.Errorf("failed to encode type preferences: %w", err)
	}

	query := `
		INSERT INTO notification_preferences (
			user_id, channels, notification_types, unsubscribed_types, created_at, updated_at
		) VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			channels = EXCLUDED.channels,
			notification_types = EXCLUDED.notification_types,
			unsubscribed_types = EXCLUDED.unsubscribed_types,
			updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, prefs.UserID, channels, types, prefs.UnsubscribedTypes); err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

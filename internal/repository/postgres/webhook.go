package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
)

type webhookRepository struct {
	BaseRepository
}

func NewWebhookRepository(base BaseRepository) repository.WebhookRepository {
	return &webhookRepository{base}
}

const webhookColumns = `
	id, app_id, url, secret, event_types, active,
	last_delivery_at, consecutive_failures, created_at, updated_at
`

func (r *webhookRepository) Create(ctx context.Context, sub *model.WebhookSubscription) error {
	if sub == nil {
		return fmt.Errorf("webhook subscription cannot be nil")
	}
	if sub.URL == "" || sub.Secret == "" {
		return fmt.Errorf("webhook subscription needs url and secret")
	}

	query := `
		INSERT INTO webhook_subscriptions (
			id, app_id, url, secret, event_types, active,
			consecutive_failures, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.AppID,
		sub.URL,
		sub.Secret,
		sub.EventTypes,
		sub.Active,
		sub.ConsecutiveFailures,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook subscription: %w", err)
	}
	return nil
}

func (r *webhookRepository) Get(ctx context.Context, id uuid.UUID) (*model.WebhookSubscription, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_subscriptions WHERE id = $1`

	var sub model.WebhookSubscription
	if err := r.db.GetContext(ctx, &sub, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", err)
	}
	return &sub, nil
}

func (r *webhookRepository) ListForApp(ctx context.Context, appID string) ([]*model.WebhookSubscription, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_subscriptions WHERE app_id = $1 ORDER BY created_at DESC`

	var subs []*model.WebhookSubscription
	if err := r.db.SelectContext(ctx, &subs, query, appID); err != nil {
		return nil, fmt.Errorf("failed to list webhook subscriptions: %w", err)
	}
	return subs, nil
}

func (r *webhookRepository) ListActiveForEventType(ctx context.Context, eventType string) ([]*model.WebhookSubscription, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_subscriptions WHERE active = true AND $1 = ANY(event_types)`

	var subs []*model.WebhookSubscription
	if err := r.db.SelectContext(ctx, &subs, query, eventType); err != nil {
		return nil, fmt.Errorf("failed to list active webhook subscriptions: %w", err)
	}
	return subs, nil
}

// RecordSuccess resets the consecutive failure counter; any success fully
// rearms the fuse.
func (r *webhookRepository) RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE webhook_subscriptions
		SET consecutive_failures = 0, last_delivery_at = $2, updated_at = $2
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to record webhook success: %w", err)
	}
	return nil
}

// RecordFailure increments consecutive_failures atomically and deactivates the
// subscription exactly when the counter reaches threshold.
func (r *webhookRepository) RecordFailure(ctx context.Context, id uuid.UUID, threshold int) (bool, error) {
	query := `
		UPDATE webhook_subscriptions
		SET consecutive_failures = consecutive_failures + 1,
		    active = CASE WHEN consecutive_failures + 1 >= $2 THEN false ELSE active END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING active
	`
	var active bool
	if err := r.db.GetContext(ctx, &active, query, id, threshold); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return !active, nil
}

func (r *webhookRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `
		UPDATE webhook_subscriptions
		SET active = $2,
		    consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures END,
		    updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, active); err != nil {
		return fmt.Errorf("failed to update webhook active flag: %w", err)
	}
	return nil
}

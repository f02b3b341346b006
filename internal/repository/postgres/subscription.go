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

type subscriptionRepository struct {
	BaseRepository
}

func NewSubscriptionRepository(base BaseRepository) repository.SubscriptionRepository {
	return &subscriptionRepository{base}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *model.EventSubscription) error {
	if sub == nil {
		return fmt.Errorf("subscription cannot be nil")
	}
	if len(sub.EventTypes) == 0 {
		return fmt.Errorf("subscription needs at least one event type")
	}

	query := `
		INSERT INTO event_subscriptions (
			id, user_id, app_id, event_types, filters, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.UserID,
		sub.AppID,
		sub.EventTypes,
		sub.Filters,
		sub.Active,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) Get(ctx context.Context, id uuid.UUID) (*model.EventSubscription, error) {
	query := `
		SELECT id, user_id, app_id, event_types, filters, active, created_at, updated_at
		FROM event_subscriptions
		WHERE id = $1
	`
	var sub model.EventSubscription
	if err := r.db.GetContext(ctx, &sub, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// Deactivate is idempotent; deactivating an already-inactive or missing
// subscription is not an error.
func (r *subscriptionRepository) Deactivate(ctx context.Context, id, userID uuid.UUID) error {
	query := `
		UPDATE event_subscriptions
		SET active = false, updated_at = $3
		WHERE id = $1 AND user_id = $2
	`
	if _, err := r.db.ExecContext(ctx, query, id, userID, time.Now()); err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) ListActive(ctx context.Context, userID uuid.UUID, appID string) ([]*model.EventSubscription, error) {
	query := `
		SELECT id, user_id, app_id, event_types, filters, active, created_at, updated_at
		FROM event_subscriptions
		WHERE user_id = $1 AND app_id = $2 AND active = true
		ORDER BY created_at DESC
	`
	var subs []*model.EventSubscription
	if err := r.db.SelectContext(ctx, &subs, query, userID, appID); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

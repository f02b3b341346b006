package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
)

type deliveryAttemptRepository struct {
	BaseRepository
}

func NewDeliveryAttemptRepository(base BaseRepository) repository.DeliveryAttemptRepository {
	return &deliveryAttemptRepository{base}
}

func (r *deliveryAttemptRepository) Create(ctx context.Context, attempt *model.DeliveryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt cannot be nil")
	}

	query := `
		INSERT INTO notification_delivery_attempts (
			id, notification_id, channel, status, error_message,
			retry_count, next_retry_at, external_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.NotificationID,
		attempt.Channel,
		attempt.Status,
		attempt.Error,
		attempt.RetryCount,
		attempt.NextRetryAt,
		attempt.ExternalID,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery attempt: %w", err)
	}
	return nil
}

func (r *deliveryAttemptRepository) Update(ctx context.Context, attempt *model.DeliveryAttempt) error {
	query := `
		UPDATE notification_delivery_attempts
		SET status = $2, error_message = $3, retry_count = $4,
		    next_retry_at = $5, external_id = $6, updated_at = $7
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.Status,
		attempt.Error,
		attempt.RetryCount,
		attempt.NextRetryAt,
		attempt.ExternalID,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery attempt: %w", err)
	}
	return nil
}

func (r *deliveryAttemptRepository) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryAttempt, error) {
	query := `
		SELECT id, notification_id, channel, status, error_message,
		       retry_count, next_retry_at, external_id, created_at, updated_at
		FROM notification_delivery_attempts
		WHERE notification_id = $1
		ORDER BY created_at DESC
	`
	var attempts []*model.DeliveryAttempt
	if err := r.db.SelectContext(ctx, &attempts, query, notificationID); err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	return attempts, nil
}

// ListRetryable returns failed attempts young enough and under the retry cap,
// whose next_retry_at has passed.
func (r *deliveryAttemptRepository) ListRetryable(ctx context.Context, maxRetries int, since time.Time, limit int) ([]*model.DeliveryAttempt, error) {
	query := `
		SELECT id, notification_id, channel, status, error_message,
		       retry_count, next_retry_at, external_id, created_at, updated_at
		FROM notification_delivery_attempts
		WHERE status = $1
		AND retry_count < $2
		AND created_at > $3
		AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $4
	`
	var attempts []*model.DeliveryAttempt
	if err := r.db.SelectContext(ctx, &attempts, query, model.AttemptStatusFailed, maxRetries, since, limit); err != nil {
		return nil, fmt.Errorf("failed to list retryable attempts: %w", err)
	}
	return attempts, nil
}

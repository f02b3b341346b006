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

type webhookLogRepository struct {
	BaseRepository
}

func NewWebhookLogRepository(base BaseRepository) repository.WebhookLogRepository {
	return &webhookLogRepository{base}
}

func (r *webhookLogRepository) Create(ctx context.Context, log *model.WebhookDeliveryLog) error {
	if log == nil {
		return fmt.Errorf("delivery log cannot be nil")
	}

	query := `
		INSERT INTO webhook_delivery_logs (
			id, webhook_id, event_id, event_type, response_status,
			response_body, attempts, success, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.WebhookID,
		log.EventID,
		log.EventType,
		log.ResponseStatus,
		log.ResponseBody,
		log.Attempts,
		log.Success,
		log.Error,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery log: %w", err)
	}
	return nil
}

func (r *webhookLogRepository) Get(ctx context.Context, id uuid.UUID) (*model.WebhookDeliveryLog, error) {
	query := `
		SELECT id, webhook_id, event_id, event_type, response_status,
		       response_body, attempts, success, error_message, created_at
		FROM webhook_delivery_logs
		WHERE id = $1
	`
	var log model.WebhookDeliveryLog
	if err := r.db.GetContext(ctx, &log, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get webhook delivery log: %w", err)
	}
	return &log, nil
}

func (r *webhookLogRepository) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*model.WebhookDeliveryLog, error) {
	query := `
		SELECT id, webhook_id, event_id, event_type, response_status,
		       response_body, attempts, success, error_message, created_at
		FROM webhook_delivery_logs
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var logs []*model.WebhookDeliveryLog
	if err := r.db.SelectContext(ctx, &logs, query, webhookID, limit); err != nil {
		return nil, fmt.Errorf("failed to list webhook delivery logs: %w", err)
	}
	return logs, nil
}

func (r *webhookLogRepository) ListRetryable(ctx context.Context, maxAttempts int, since time.Time, limit int) ([]*model.WebhookDeliveryLog, error) {
	// Retries append a fresh log row, so only the newest row per
	// (webhook, event) pair decides whether another attempt is due. The
	// backoff window doubles with each attempt.
	query := `
		SELECT id, webhook_id, event_id, event_type, response_status,
		       response_body, attempts, success, error_message, created_at
		FROM (
			SELECT DISTINCT ON (webhook_id, event_id)
			       id, webhook_id, event_id, event_type, response_status,
			       response_body, attempts, success, error_message, created_at
			FROM webhook_delivery_logs
			WHERE created_at > $1
			ORDER BY webhook_id, event_id, created_at DESC
		) latest
		WHERE success = false
		  AND attempts < $2
		  AND created_at <= NOW() - (interval '1 second' * power(2, attempts))
		ORDER BY created_at ASC
		LIMIT $3
	`
	var logs []*model.WebhookDeliveryLog
	if err := r.db.SelectContext(ctx, &logs, query, since, maxAttempts, limit); err != nil {
		return nil, fmt.Errorf("failed to list retryable webhook deliveries: %w", err)
	}
	return logs, nil
}

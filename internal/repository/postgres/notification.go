package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
)

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func (r *notificationRepository) Create(ctx context.Context, notification *model.Notification) error {
	if notification == nil {
		return fmt.Errorf("notification cannot be nil")
	}

	query := `
		INSERT INTO notifications (
			id, user_id, notification_type, title, body, data, channels, priority,
			status, source_app_id, event_id, correlation_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		notification.ID,
		notification.UserID,
		notification.Type,
		notification.Title,
		notification.Body,
		notification.Data,
		notification.Channels,
		notification.Priority,
		notification.Status,
		notification.SourceAppID,
		notification.EventID,
		notification.CorrelationID,
		notification.CreatedAt,
		notification.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	query := `
		SELECT id, user_id, notification_type, title, body, data, channels, priority,
		       status, source_app_id, event_id, correlation_id, sent_at, read_at, created_at, updated_at
		FROM notifications
		WHERE id = $1
	`
	var notification model.Notification
	if err := r.db.GetContext(ctx, &notification, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return &notification, nil
}

func (r *notificationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.NotificationStatus, sentAt *time.Time) error {
	query := `
		UPDATE notifications
		SET status = $2, sent_at = COALESCE($3, sent_at), updated_at = $4
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, status, sentAt, time.Now()); err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}
	return nil
}

// MarkRead stamps read_at exactly once. The WHERE read_at IS NULL guard makes
// repeated calls no-ops, which keeps the read state-change event idempotent.
func (r *notificationRepository) MarkRead(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	query := `
		UPDATE notifications
		SET read_at = $3, updated_at = $3
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, id, userID, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to mark notification read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListForUser serves the polling fallback: newest-first notifications for
// clients without a live socket, optionally narrowed by source app and channel.
func (r *notificationRepository) ListForUser(ctx context.Context, userID uuid.UUID, appIDs []string, channels []string, limit int, since *time.Time) ([]*model.Notification, error) {
	query := `
		SELECT id, user_id, notification_type, title, body, data, channels, priority,
		       status, source_app_id, event_id, correlation_id, sent_at, read_at, created_at, updated_at
		FROM notifications
		WHERE user_id = $1
	`
	args := []interface{}{userID}

	if len(appIDs) > 0 {
		args = append(args, pq.Array(appIDs))
		query += fmt.Sprintf(" AND source_app_id = ANY($%d)", len(args))
	}
	if len(channels) > 0 {
		args = append(args, pq.Array(channels))
		query += fmt.Sprintf(" AND channels && $%d", len(args))
	}
	if since != nil {
		args = append(args, *since)
		query += fmt.Sprintf(" AND created_at > $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	var notifications []*model.Notification
	if err := r.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, nil
}

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

type eventRepository struct {
	BaseRepository
}

func NewEventRepository(base BaseRepository) repository.EventRepository {
	return &eventRepository{base}
}

func (r *eventRepository) Create(ctx context.Context, event *model.Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Type == "" {
		return fmt.Errorf("event type cannot be empty")
	}

	query := `
		INSERT INTO events (
			id, event_type, source_app_id, source_app_name, source_version,
			user_id, organization_id, correlation_id, occurred_at, data, metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.SourceAppID,
		event.SourceAppName,
		event.SourceVersion,
		event.UserID,
		event.OrganizationID,
		event.CorrelationID,
		event.Timestamp,
		event.Data,
		event.Metadata,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

func (r *eventRepository) Get(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	query := `
		SELECT id, event_type, source_app_id, source_app_name, source_version,
		       user_id, organization_id, correlation_id, occurred_at, data, metadata, created_at
		FROM events
		WHERE id = $1
	`
	var event model.Event
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &event, nil
}

// List returns newest-first event history for a user+app pair. Filter fields
// that are absent always match; present fields combine with AND semantics.
func (r *eventRepository) List(ctx context.Context, userID uuid.UUID, appID string, filter *model.EventFilter, limit, offset int) ([]*model.Event, error) {
	query := `
		SELECT id, event_type, source_app_id, source_app_name, source_version,
		       user_id, organization_id, correlation_id, occurred_at, data, metadata, created_at
		FROM events
		WHERE user_id = $1 AND source_app_id = $2
	`
	args := []interface{}{userID, appID}

	if filter != nil {
		if len(filter.Types) > 0 {
			args = append(args, pq.Array(filter.Types))
			query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
		}
		if len(filter.SourceAppIDs) > 0 {
			args = append(args, pq.Array(filter.SourceAppIDs))
			query += fmt.Sprintf(" AND source_app_id = ANY($%d)", len(args))
		}
		if filter.Since != nil {
			args = append(args, *filter.Since)
			query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
		}
		if filter.Until != nil {
			args = append(args, *filter.Until)
			query += fmt.Sprintf(" AND occurred_at <= $%d", len(args))
		}
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	var events []*model.Event
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

func (r *eventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM events WHERE occurred_at < $1`

	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}

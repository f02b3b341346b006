package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
)

type connectionRepository struct {
	BaseRepository
}

func NewConnectionRepository(base BaseRepository) repository.ConnectionRepository {
	return &connectionRepository{base}
}

func (r *connectionRepository) Create(ctx context.Context, conn *model.Connection) error {
	if conn == nil {
		return fmt.Errorf("connection cannot be nil")
	}

	query := `
		INSERT INTO realtime_connections (
			id, user_id, app_ids, state, connected_at, last_heartbeat
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		conn.ID,
		conn.UserID,
		conn.AppIDs,
		conn.State,
		conn.ConnectedAt,
		conn.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection record: %w", err)
	}
	return nil
}

func (r *connectionRepository) UpdateState(ctx context.Context, id uuid.UUID, state model.ConnectionState) error {
	query := `UPDATE realtime_connections SET state = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, state); err != nil {
		return fmt.Errorf("failed to update connection state: %w", err)
	}
	return nil
}

func (r *connectionRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE realtime_connections SET last_heartbeat = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to touch connection: %w", err)
	}
	return nil
}

func (r *connectionRepository) MarkDisconnected(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE realtime_connections
		SET state = $2, disconnected_at = $3
		WHERE id = $1 AND disconnected_at IS NULL
	`
	if _, err := r.db.ExecContext(ctx, query, id, model.ConnectionStateDisconnected, at); err != nil {
		return fmt.Errorf("failed to mark connection disconnected: %w", err)
	}
	return nil
}

func (r *connectionRepository) DeleteDisconnectedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM realtime_connections
		WHERE disconnected_at IS NOT NULL AND disconnected_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale connections: %w", err)
	}
	return result.RowsAffected()
}

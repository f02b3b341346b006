package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ConnectionState mirrors the realtime hub's per-connection state machine.
type ConnectionState string

const (
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateBuffering    ConnectionState = "buffering"
	ConnectionStateDisconnected ConnectionState = "disconnected"
)

// Connection is the persisted observability record for a live socket. The
// socket itself lives only in the in-process hub.
type Connection struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	UserID         uuid.UUID       `json:"user_id" db:"user_id"`
	AppIDs         pq.StringArray  `json:"app_ids" db:"app_ids"`
	State          ConnectionState `json:"state" db:"state"`
	ConnectedAt    time.Time       `json:"connected_at" db:"connected_at"`
	LastHeartbeat  time.Time       `json:"last_heartbeat" db:"last_heartbeat"`
	DisconnectedAt *time.Time      `json:"disconnected_at,omitempty" db:"disconnected_at"`
}

package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/model"
)

// Socket is the subset of *websocket.Conn the hub needs. Tests substitute a
// fake; production always passes a gorilla connection.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// ServerMessage is the server-to-client wire format.
type ServerMessage struct {
	Type           string              `json:"type"`
	Notification   *model.Notification `json:"notification,omitempty"`
	NotificationID string              `json:"notification_id,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

// ClientMessage is the client-to-server wire format.
type ClientMessage struct {
	Type           string   `json:"type"`
	NotificationID string   `json:"notification_id,omitempty"`
	AppIDs         []string `json:"app_ids,omitempty"`
}

// Client and server message types.
const (
	MessageTypeNotification = "notification"
	MessageTypePong         = "pong"
	MessageTypeHeartbeatAck = "heartbeat_ack"
	MessageTypeMarkReadAck  = "mark_read_ack"

	MessageTypeHeartbeat           = "heartbeat"
	MessageTypeMarkRead            = "mark_read"
	MessageTypeUpdateSubscriptions = "update_subscriptions"
)

// Connection tracks one live socket. Send failures move it to the buffering
// state instead of destroying it: the socket is presumed possibly-recoverable
// until the heartbeat monitor proves otherwise.
type Connection struct {
	ID     uuid.UUID
	UserID uuid.UUID

	socket        Socket
	maxBufferSize int

	mu            sync.Mutex
	appIDs        []string
	state         model.ConnectionState
	lastHeartbeat time.Time
	connectedAt   time.Time
	buffer        [][]byte
	dropped       int
}

func newConnection(userID uuid.UUID, appIDs []string, socket Socket, maxBufferSize int) *Connection {
	now := time.Now()
	return &Connection{
		ID:            uuid.New(),
		UserID:        userID,
		socket:        socket,
		maxBufferSize: maxBufferSize,
		appIDs:        append([]string(nil), appIDs...),
		state:         model.ConnectionStateConnecting,
		lastHeartbeat: now,
		connectedAt:   now,
	}
}

// State returns the connection's current state.
func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AppIDs returns a copy of the connection's app filter.
func (c *Connection) AppIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.appIDs...)
}

// BufferLen reports how many messages are waiting for the socket to recover.
func (c *Connection) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// LastHeartbeat returns the last proven-alive instant.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Connection) setState(state model.ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Connection) refreshHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Connection) updateAppIDs(appIDs []string) {
	c.mu.Lock()
	c.appIDs = append([]string(nil), appIDs...)
	c.mu.Unlock()
}

// send writes data when the socket is usable, otherwise buffers it. The
// buffer is capped: once full, further messages are dropped rather than
// growing without bound. It reports (delivered, buffered).
func (c *Connection) send(data []byte, writeWait time.Duration) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == model.ConnectionStateDisconnected {
		return false, false
	}

	if c.state == model.ConnectionStateConnected {
		c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(textMessage, data); err == nil {
			c.lastHeartbeat = time.Now()
			return true, false
		}
		c.state = model.ConnectionStateBuffering
	}

	if len(c.buffer) >= c.maxBufferSize {
		c.dropped++
		return false, false
	}
	c.buffer = append(c.buffer, data)
	return false, true
}

// flush replays the buffer after the socket proves itself alive again. Any
// write failure puts the connection back into buffering with the remainder
// intact.
func (c *Connection) flush(writeWait time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == model.ConnectionStateDisconnected {
		return 0
	}

	flushed := 0
	for len(c.buffer) > 0 {
		data := c.buffer[0]
		c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(textMessage, data); err != nil {
			c.state = model.ConnectionStateBuffering
			return flushed
		}
		c.buffer = c.buffer[1:]
		flushed++
	}
	c.state = model.ConnectionStateConnected
	return flushed
}

// writeControl sends a small JSON control reply directly.
func (c *Connection) writeControl(msg ServerMessage, writeWait time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteMessage(textMessage, data)
}

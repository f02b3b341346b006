package realtime

import (
	"context"
	"encoding/json"
	"time"

	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
	"github.com/oriva/events-api/pkg/logger"
	"github.com/oriva/events-api/pkg/messaging"
	"github.com/oriva/events-api/pkg/metrics"
)

const (
	textMessage = websocket.TextMessage

	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Config holds the hub's liveness policy. The heartbeat timeout must exceed
// the interval or every sweep would evict healthy connections.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxBufferSize     int
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 1000
	}
}

// Hub manages live socket connections for realtime notification delivery.
// Connections are indexed both by connection id and by user id so one user's
// devices all receive a broadcast.
type Hub struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Connection
	byUser map[uuid.UUID]map[uuid.UUID]*Connection

	store   repository.ConnectionRepository
	config  Config
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewHub(store repository.ConnectionRepository, config Config, logger *logger.Logger, metrics *metrics.Metrics) *Hub {
	config.withDefaults()
	return &Hub{
		byID:    make(map[uuid.UUID]*Connection),
		byUser:  make(map[uuid.UUID]map[uuid.UUID]*Connection),
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Connect registers a new live socket for the user and persists the
// observability record. The caller runs Serve to start the read loop.
func (h *Hub) Connect(ctx context.Context, userID uuid.UUID, appIDs []string, socket Socket) (*Connection, error) {
	conn := newConnection(userID, appIDs, socket, h.config.MaxBufferSize)

	h.mu.Lock()
	h.byID[conn.ID] = conn
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[uuid.UUID]*Connection)
	}
	h.byUser[userID][conn.ID] = conn
	h.mu.Unlock()

	h.metrics.LiveConnections.Inc()

	// The store row is observability; a write failure does not reject the
	// socket.
	record := &model.Connection{
		ID:            conn.ID,
		UserID:        userID,
		AppIDs:        appIDs,
		State:         model.ConnectionStateConnected,
		ConnectedAt:   conn.connectedAt,
		LastHeartbeat: conn.connectedAt,
	}
	if err := h.store.Create(ctx, record); err != nil {
		h.logger.Error(err, "failed to persist connection record",
			"connection_id", conn.ID.String())
	}

	conn.setState(model.ConnectionStateConnected)
	h.logger.Info("realtime connection established",
		"connection_id", conn.ID.String(),
		"user_id", userID.String())
	return conn, nil
}

// Disconnect closes the socket and removes the connection from both indices
// and the store. It is idempotent.
func (h *Hub) Disconnect(ctx context.Context, connectionID uuid.UUID) {
	h.mu.Lock()
	conn, ok := h.byID[connectionID]
	if ok {
		delete(h.byID, connectionID)
		if userConns := h.byUser[conn.UserID]; userConns != nil {
			delete(userConns, connectionID)
			if len(userConns) == 0 {
				delete(h.byUser, conn.UserID)
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	conn.setState(model.ConnectionStateDisconnected)
	conn.socket.Close()
	h.metrics.LiveConnections.Dec()

	if err := h.store.MarkDisconnected(ctx, connectionID, time.Now()); err != nil {
		h.logger.Error(err, "failed to mark connection disconnected",
			"connection_id", connectionID.String())
	}
}

// BroadcastToUser sends the notification to every connection the user holds.
// Unwritable sockets buffer the message; full buffers drop it. It reports how
// many connections received the message live and how many buffered it.
func (h *Hub) BroadcastToUser(userID uuid.UUID, notification *model.Notification) (delivered, buffered int) {
	msg := ServerMessage{
		Type:         MessageTypeNotification,
		Notification: notification,
		Timestamp:    time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(err, "failed to marshal notification message")
		return 0, 0
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.byUser[userID]))
	for _, conn := range h.byUser[userID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		sent, queued := conn.send(data, writeWait)
		switch {
		case sent:
			delivered++
		case queued:
			buffered++
			h.metrics.MessagesBuffered.Inc()
		default:
			h.metrics.MessagesDropped.Inc()
		}
	}
	return delivered, buffered
}

// Connection returns the live connection, if any.
func (h *Hub) Connection(connectionID uuid.UUID) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.byID[connectionID]
	return conn, ok
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// ConnectionsForUser reports how many live connections a user holds.
func (h *Hub) ConnectionsForUser(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// Serve runs the connection's read loop until the socket closes or the read
// deadline (the heartbeat timeout) expires. It must be called from the
// connection's owning goroutine.
func (h *Hub) Serve(ctx context.Context, conn *Connection) {
	defer h.Disconnect(ctx, conn.ID)

	conn.socket.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
	conn.socket.SetPongHandler(func(string) error {
		conn.refreshHeartbeat()
		conn.socket.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			return
		}
		conn.socket.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		h.handleClientMessage(ctx, conn, data)
	}
}

// handleClientMessage dispatches one client frame. Malformed frames are
// logged and dropped; they never kill the connection.
func (h *Hub) handleClientMessage(ctx context.Context, conn *Connection, data []byte) {
	if len(data) > maxMessageSize {
		h.logger.Warn("oversized client message dropped",
			"connection_id", conn.ID.String())
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("malformed client message",
			"connection_id", conn.ID.String())
		return
	}

	switch msg.Type {
	case MessageTypeHeartbeat:
		conn.refreshHeartbeat()
		if err := h.store.Touch(ctx, conn.ID, time.Now()); err != nil {
			h.logger.Error(err, "failed to touch connection record",
				"connection_id", conn.ID.String())
		}
		conn.writeControl(ServerMessage{Type: MessageTypeHeartbeatAck, Timestamp: time.Now()}, writeWait)
		h.flushConnection(conn)

	case MessageTypeMarkRead:
		// Acked only; the actual state change happens through the REST
		// surface.
		conn.writeControl(ServerMessage{
			Type:           MessageTypeMarkReadAck,
			NotificationID: msg.NotificationID,
			Timestamp:      time.Now(),
		}, writeWait)

	case MessageTypeUpdateSubscriptions:
		conn.updateAppIDs(msg.AppIDs)

	default:
		conn.writeControl(ServerMessage{Type: MessageTypePong, Timestamp: time.Now()}, writeWait)
	}
}

func (h *Hub) flushConnection(conn *Connection) {
	if conn.BufferLen() == 0 {
		if conn.State() == model.ConnectionStateBuffering {
			conn.setState(model.ConnectionStateConnected)
		}
		return
	}
	flushed := conn.flush(writeWait)
	if flushed > 0 {
		h.logger.Debug("flushed buffered messages",
			"connection_id", conn.ID.String(),
			"flushed", flushed)
	}
}

// RunHeartbeatMonitor sweeps connections on the configured interval: stale
// ones are evicted, live ones are pinged. Runs until the context is
// cancelled.
func (h *Hub) RunHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.byID))
	for _, conn := range h.byID {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	cutoff := time.Now().Add(-h.config.HeartbeatTimeout)
	for _, conn := range conns {
		if conn.LastHeartbeat().Before(cutoff) {
			h.logger.Info("evicting stale connection",
				"connection_id", conn.ID.String(),
				"user_id", conn.UserID.String())
			h.Disconnect(ctx, conn.ID)
			continue
		}
		conn.mu.Lock()
		conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.socket.WriteMessage(websocket.PingMessage, nil)
		if err != nil && conn.state == model.ConnectionStateConnected {
			conn.state = model.ConnectionStateBuffering
		}
		conn.mu.Unlock()
	}
}

// CleanupDisconnected deletes old disconnected rows from the store. Invoked
// by the external scheduler.
func (h *Hub) CleanupDisconnected(ctx context.Context, olderThan time.Duration) (int64, error) {
	return h.store.DeleteDisconnectedBefore(ctx, time.Now().Add(-olderThan))
}

// ConsumeBrokerNotifications subscribes the hub to the notifications topic so
// in-app deliveries published by other processes reach live sockets here.
func (h *Hub) ConsumeBrokerNotifications(ctx context.Context, broker messaging.Broker) error {
	return messaging.SubscribeWithHandler(ctx, broker, messaging.TopicNotifications, func(payload []byte) error {
		var msg messaging.NotificationMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		userID, err := uuid.Parse(msg.UserID)
		if err != nil {
			return err
		}
		notificationID, err := uuid.Parse(msg.NotificationID)
		if err != nil {
			return err
		}
		notification := &model.Notification{
			ID:          notificationID,
			UserID:      userID,
			Type:        msg.Type,
			Title:       msg.Title,
			Body:        msg.Body,
			Data:        msg.Data,
			Priority:    msg.Priority,
			SourceAppID: msg.SourceAppID,
		}
		h.BroadcastToUser(userID, notification)
		return nil
	})
}

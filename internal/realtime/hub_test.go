package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/pkg/logger"
	"github.com/oriva/events-api/pkg/messaging"
	"github.com/oriva/events-api/pkg/metrics"
)

var (
	testLogger  = logger.NewLogger(nil)
	testMetrics = metrics.NewMetrics("test", "realtime")
)

type readResult struct {
	data []byte
	err  error
}

type fakeWrite struct {
	messageType int
	data        []byte
}

// fakeSocket scripts reads through a channel and records every write.
// failAll rejects all writes; failAfter > 0 rejects writes once that many
// have succeeded.
type fakeSocket struct {
	mu        sync.Mutex
	writes    []fakeWrite
	succeeded int
	failAll   bool
	failAfter int
	closes    int
	reads     chan readResult
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan readResult, 16)}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || (s.failAfter > 0 && s.succeeded >= s.failAfter) {
		return errors.New("write failed")
	}
	s.succeeded++
	s.writes = append(s.writes, fakeWrite{messageType, append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	r, ok := <-s.reads
	if !ok {
		return 0, nil, errors.New("socket closed")
	}
	return websocket.TextMessage, r.data, r.err
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSocket) SetReadDeadline(time.Time) error  { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error) {}

func (s *fakeSocket) setFailAll(fail bool) {
	s.mu.Lock()
	s.failAll = fail
	s.mu.Unlock()
}

func (s *fakeSocket) written() []fakeWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fakeWrite(nil), s.writes...)
}

// serverMessages decodes the text frames the socket received.
func (s *fakeSocket) serverMessages(t *testing.T) []ServerMessage {
	t.Helper()
	var out []ServerMessage
	for _, w := range s.written() {
		if w.messageType != websocket.TextMessage {
			continue
		}
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(w.data, &msg))
		out = append(out, msg)
	}
	return out
}

type fakeConnStore struct {
	mu           sync.Mutex
	created      []*model.Connection
	touched      int
	disconnected []uuid.UUID
	deleted      int64
}

func (s *fakeConnStore) Create(_ context.Context, conn *model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, conn)
	return nil
}

func (s *fakeConnStore) UpdateState(context.Context, uuid.UUID, model.ConnectionState) error {
	return nil
}

func (s *fakeConnStore) Touch(_ context.Context, _ uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched++
	return nil
}

func (s *fakeConnStore) MarkDisconnected(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, id)
	return nil
}

func (s *fakeConnStore) DeleteDisconnectedBefore(context.Context, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted, nil
}

func newTestHub(config Config) (*Hub, *fakeConnStore) {
	store := &fakeConnStore{}
	return NewHub(store, config, testLogger, testMetrics), store
}

func testNotification(userID uuid.UUID) *model.Notification {
	return &model.Notification{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        "NEW_MESSAGE",
		Title:       "New message",
		Body:        "You have a new message",
		Priority:    model.PriorityNormal,
		SourceAppID: "hugo-love",
	}
}

func TestConnectIndexesByUser(t *testing.T) {
	hub, store := newTestHub(Config{})
	userID := uuid.New()

	conn1, err := hub.Connect(context.Background(), userID, []string{"hugo-love"}, newFakeSocket())
	require.NoError(t, err)
	conn2, err := hub.Connect(context.Background(), userID, nil, newFakeSocket())
	require.NoError(t, err)

	assert.Equal(t, 2, hub.ConnectionCount())
	assert.Equal(t, 2, hub.ConnectionsForUser(userID))
	assert.Equal(t, model.ConnectionStateConnected, conn1.State())
	assert.Equal(t, []string{"hugo-love"}, conn1.AppIDs())
	assert.NotEqual(t, conn1.ID, conn2.ID)
	assert.Len(t, store.created, 2)
}

func TestBroadcastReachesEveryUserConnection(t *testing.T) {
	hub, _ := newTestHub(Config{})
	userID := uuid.New()

	sock1 := newFakeSocket()
	sock2 := newFakeSocket()
	other := newFakeSocket()
	_, err := hub.Connect(context.Background(), userID, nil, sock1)
	require.NoError(t, err)
	_, err = hub.Connect(context.Background(), userID, nil, sock2)
	require.NoError(t, err)
	_, err = hub.Connect(context.Background(), uuid.New(), nil, other)
	require.NoError(t, err)

	notification := testNotification(userID)
	delivered, buffered := hub.BroadcastToUser(userID, notification)
	assert.Equal(t, 2, delivered)
	assert.Zero(t, buffered)

	for _, sock := range []*fakeSocket{sock1, sock2} {
		msgs := sock.serverMessages(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, MessageTypeNotification, msgs[0].Type)
		require.NotNil(t, msgs[0].Notification)
		assert.Equal(t, notification.ID, msgs[0].Notification.ID)
	}
	assert.Empty(t, other.written(), "other users never see the broadcast")
}

func TestBroadcastToUnknownUserIsANoop(t *testing.T) {
	hub, _ := newTestHub(Config{})

	delivered, buffered := hub.BroadcastToUser(uuid.New(), testNotification(uuid.New()))
	assert.Zero(t, delivered)
	assert.Zero(t, buffered)
}

func TestBroadcastBuffersWhenSocketIsDown(t *testing.T) {
	hub, _ := newTestHub(Config{})
	userID := uuid.New()

	sock := newFakeSocket()
	conn, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)
	sock.setFailAll(true)

	delivered, buffered := hub.BroadcastToUser(userID, testNotification(userID))
	assert.Zero(t, delivered)
	assert.Equal(t, 1, buffered)
	assert.Equal(t, model.ConnectionStateBuffering, conn.State())
	assert.Equal(t, 1, conn.BufferLen())
}

func TestBufferDropsAtCapacity(t *testing.T) {
	hub, _ := newTestHub(Config{MaxBufferSize: 2})
	userID := uuid.New()

	sock := newFakeSocket()
	conn, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)
	sock.setFailAll(true)

	for i := 0; i < 5; i++ {
		hub.BroadcastToUser(userID, testNotification(userID))
	}
	assert.Equal(t, 2, conn.BufferLen(), "buffer never grows past the cap")
}

func TestHeartbeatFlushesBufferedMessages(t *testing.T) {
	hub, store := newTestHub(Config{})
	userID := uuid.New()

	sock := newFakeSocket()
	conn, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)

	sock.setFailAll(true)
	hub.BroadcastToUser(userID, testNotification(userID))
	hub.BroadcastToUser(userID, testNotification(userID))
	require.Equal(t, 2, conn.BufferLen())

	// Socket recovers; a heartbeat proves it alive and replays the backlog.
	sock.setFailAll(false)
	hub.handleClientMessage(context.Background(), conn, []byte(`{"type":"heartbeat"}`))

	assert.Zero(t, conn.BufferLen())
	assert.Equal(t, model.ConnectionStateConnected, conn.State())
	assert.Equal(t, 1, store.touched)

	msgs := sock.serverMessages(t)
	require.Len(t, msgs, 3, "heartbeat ack plus two replayed notifications")
	assert.Equal(t, MessageTypeHeartbeatAck, msgs[0].Type)
	assert.Equal(t, MessageTypeNotification, msgs[1].Type)
	assert.Equal(t, MessageTypeNotification, msgs[2].Type)
}

func TestFlushFailureKeepsRemainder(t *testing.T) {
	hub, _ := newTestHub(Config{})
	userID := uuid.New()

	sock := newFakeSocket()
	conn, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)

	sock.setFailAll(true)
	hub.BroadcastToUser(userID, testNotification(userID))
	hub.BroadcastToUser(userID, testNotification(userID))
	require.Equal(t, 2, conn.BufferLen())

	// Only one more write succeeds before the socket fails again.
	sock.mu.Lock()
	sock.failAll = false
	sock.failAfter = sock.succeeded + 1
	sock.mu.Unlock()

	flushed := conn.flush(writeWait)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 1, conn.BufferLen(), "unflushed messages stay queued in order")
	assert.Equal(t, model.ConnectionStateBuffering, conn.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	hub, store := newTestHub(Config{})
	userID := uuid.New()

	sock := newFakeSocket()
	conn, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)

	hub.Disconnect(context.Background(), conn.ID)
	hub.Disconnect(context.Background(), conn.ID)

	assert.Zero(t, hub.ConnectionCount())
	assert.Zero(t, hub.ConnectionsForUser(userID))
	assert.Equal(t, model.ConnectionStateDisconnected, conn.State())
	sock.mu.Lock()
	assert.Equal(t, 1, sock.closes)
	sock.mu.Unlock()
	assert.Len(t, store.disconnected, 1)

	delivered, buffered := hub.BroadcastToUser(userID, testNotification(userID))
	assert.Zero(t, delivered)
	assert.Zero(t, buffered)
}

func TestServeDisconnectsOnReadError(t *testing.T) {
	hub, _ := newTestHub(Config{})
	userID := uuid.New()

	sock := newFakeSocket()
	conn, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)

	sock.reads <- readResult{err: errors.New("connection reset")}
	hub.Serve(context.Background(), conn)

	assert.Zero(t, hub.ConnectionCount())
	assert.Equal(t, model.ConnectionStateDisconnected, conn.State())
}

func TestMarkReadIsAckOnly(t *testing.T) {
	hub, store := newTestHub(Config{})
	userID := uuid.New()

	sock := newFakeSocket()
	conn, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)

	notificationID := uuid.New().String()
	hub.handleClientMessage(context.Background(), conn,
		[]byte(`{"type":"mark_read","notification_id":"`+notificationID+`"}`))

	msgs := sock.serverMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypeMarkReadAck, msgs[0].Type)
	assert.Equal(t, notificationID, msgs[0].NotificationID)
	assert.Zero(t, store.touched, "mark_read does not touch the store")
}

func TestUpdateSubscriptionsSwapsAppFilter(t *testing.T) {
	hub, _ := newTestHub(Config{})
	userID := uuid.New()

	conn, err := hub.Connect(context.Background(), userID, []string{"hugo-love"}, newFakeSocket())
	require.NoError(t, err)

	hub.handleClientMessage(context.Background(), conn,
		[]byte(`{"type":"update_subscriptions","app_ids":["work-buddy","ily"]}`))
	assert.Equal(t, []string{"work-buddy", "ily"}, conn.AppIDs())
}

func TestMalformedAndUnknownFramesAreHarmless(t *testing.T) {
	hub, _ := newTestHub(Config{})
	userID := uuid.New()

	sock := newFakeSocket()
	conn, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)

	hub.handleClientMessage(context.Background(), conn, []byte(`{not json`))
	assert.Empty(t, sock.written(), "malformed frames get no reply")

	hub.handleClientMessage(context.Background(), conn, []byte(`{"type":"ping"}`))
	msgs := sock.serverMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypePong, msgs[0].Type, "unknown types get a pong")

	assert.Equal(t, 1, hub.ConnectionCount(), "the connection survives")
}

func TestSweepEvictsStaleAndPingsLive(t *testing.T) {
	hub, _ := newTestHub(Config{HeartbeatTimeout: time.Minute})
	userID := uuid.New()

	staleSock := newFakeSocket()
	stale, err := hub.Connect(context.Background(), userID, nil, staleSock)
	require.NoError(t, err)
	liveSock := newFakeSocket()
	live, err := hub.Connect(context.Background(), uuid.New(), nil, liveSock)
	require.NoError(t, err)

	stale.mu.Lock()
	stale.lastHeartbeat = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	hub.sweep(context.Background())

	_, ok := hub.Connection(stale.ID)
	assert.False(t, ok, "stale connection is evicted")
	_, ok = hub.Connection(live.ID)
	assert.True(t, ok)

	writes := liveSock.written()
	require.Len(t, writes, 1)
	assert.Equal(t, websocket.PingMessage, writes[0].messageType)
}

func TestSweepMarksUnpingableConnectionsBuffering(t *testing.T) {
	hub, _ := newTestHub(Config{HeartbeatTimeout: time.Minute})
	userID := uuid.New()

	sock := newFakeSocket()
	conn, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)
	sock.setFailAll(true)

	hub.sweep(context.Background())

	_, ok := hub.Connection(conn.ID)
	assert.True(t, ok, "a failed ping buffers rather than evicts")
	assert.Equal(t, model.ConnectionStateBuffering, conn.State())
}

type fakeBroker struct {
	ch chan []byte
}

func (b *fakeBroker) Publish(_ context.Context, _ string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	b.ch <- data
	return nil
}

func (b *fakeBroker) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func (b *fakeBroker) Close() error {
	close(b.ch)
	return nil
}

func TestBrokerNotificationsReachLiveSockets(t *testing.T) {
	hub, _ := newTestHub(Config{})
	userID := uuid.New()

	sock := newFakeSocket()
	_, err := hub.Connect(context.Background(), userID, nil, sock)
	require.NoError(t, err)

	broker := &fakeBroker{ch: make(chan []byte, 1)}
	require.NoError(t, hub.ConsumeBrokerNotifications(context.Background(), broker))

	notificationID := uuid.New()
	require.NoError(t, broker.Publish(context.Background(), messaging.TopicNotifications, messaging.NotificationMessage{
		NotificationID: notificationID.String(),
		UserID:         userID.String(),
		Type:           "NEW_MESSAGE",
		Title:          "New message",
		Body:           "hello",
		Priority:       model.PriorityNormal,
		SourceAppID:    "hugo-love",
	}))

	require.Eventually(t, func() bool {
		return len(sock.written()) == 1
	}, time.Second, 10*time.Millisecond)

	msgs := sock.serverMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypeNotification, msgs[0].Type)
	require.NotNil(t, msgs[0].Notification)
	assert.Equal(t, notificationID, msgs[0].Notification.ID)
	assert.Equal(t, userID, msgs[0].Notification.UserID)
}

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriva/events-api/internal/model"
	apperrors "github.com/oriva/events-api/pkg/errors"
	"github.com/oriva/events-api/pkg/logger"
	"github.com/oriva/events-api/pkg/metrics"
	"github.com/oriva/events-api/pkg/worker"
)

var (
	testLogger  = logger.NewLogger(nil)
	testMetrics = metrics.NewMetrics("test", "webhooks")
)

type fakeEventRepo struct {
	events map[uuid.UUID]*model.Event
}

func (r *fakeEventRepo) Create(_ context.Context, e *model.Event) error {
	r.events[e.ID] = e
	return nil
}

func (r *fakeEventRepo) Get(_ context.Context, id uuid.UUID) (*model.Event, error) {
	return r.events[id], nil
}

func (r *fakeEventRepo) List(context.Context, uuid.UUID, string, *model.EventFilter, int, int) ([]*model.Event, error) {
	return nil, nil
}

func (r *fakeEventRepo) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeWebhookRepo struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*model.WebhookSubscription
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{subs: make(map[uuid.UUID]*model.WebhookSubscription)}
}

func (r *fakeWebhookRepo) Create(_ context.Context, sub *model.WebhookSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	return nil
}

func (r *fakeWebhookRepo) Get(_ context.Context, id uuid.UUID) (*model.WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id], nil
}

func (r *fakeWebhookRepo) ListForApp(_ context.Context, appID string) ([]*model.WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.WebhookSubscription
	for _, sub := range r.subs {
		if sub.AppID == appID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *fakeWebhookRepo) ListActiveForEventType(_ context.Context, eventType string) ([]*model.WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.WebhookSubscription
	for _, sub := range r.subs {
		if sub.Active && sub.SubscribedTo(eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *fakeWebhookRepo) RecordSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.ConsecutiveFailures = 0
		sub.LastDeliveryAt = &at
	}
	return nil
}

func (r *fakeWebhookRepo) RecordFailure(_ context.Context, id uuid.UUID, threshold int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return false, nil
	}
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= threshold && sub.Active {
		sub.Active = false
		return true, nil
	}
	return false, nil
}

func (r *fakeWebhookRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.Active = active
		if active {
			sub.ConsecutiveFailures = 0
		}
	}
	return nil
}

type fakeLogRepo struct {
	mu   sync.Mutex
	logs []*model.WebhookDeliveryLog
}

func (r *fakeLogRepo) Create(_ context.Context, log *model.WebhookDeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *fakeLogRepo) Get(_ context.Context, id uuid.UUID) (*model.WebhookDeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.logs {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, nil
}

func (r *fakeLogRepo) ListByWebhook(_ context.Context, webhookID uuid.UUID, _ int) ([]*model.WebhookDeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.WebhookDeliveryLog
	for _, l := range r.logs {
		if l.WebhookID == webhookID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *fakeLogRepo) ListRetryable(context.Context, int, time.Time, int) ([]*model.WebhookDeliveryLog, error) {
	return nil, nil
}

func (r *fakeLogRepo) last() *model.WebhookDeliveryLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.logs) == 0 {
		return nil
	}
	return r.logs[len(r.logs)-1]
}

type fixture struct {
	svc      *Service
	events   *fakeEventRepo
	webhooks *fakeWebhookRepo
	logs     *fakeLogRepo
	pool     *worker.Pool
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		events:   &fakeEventRepo{events: make(map[uuid.UUID]*model.Event)},
		webhooks: newFakeWebhookRepo(),
		logs:     &fakeLogRepo{},
		pool:     worker.NewPool(2, 16, testLogger),
	}
	f.svc = NewService(f.events, f.webhooks, f.logs, f.pool, cfg, testLogger, testMetrics)
	return f
}

func (f *fixture) addEvent() *model.Event {
	event := &model.Event{
		ID:          uuid.New(),
		Type:        "session.started",
		SourceAppID: "hugo-love",
		Timestamp:   time.Now(),
		Data:        model.JSONMap{"sessionId": "sess-42"},
	}
	f.events.events[event.ID] = event
	return event
}

func (f *fixture) addSubscription(url string) *model.WebhookSubscription {
	sub := &model.WebhookSubscription{
		ID:         uuid.New(),
		AppID:      "hugo-love",
		URL:        url,
		Secret:     "wh-secret",
		EventTypes: []string{"session.started"},
		Active:     true,
	}
	f.webhooks.subs[sub.ID] = sub
	return sub
}

func TestDeliverEventSignsAndPosts(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
		body     []byte
		header   http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		requests++
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture(t, Config{UserAgent: "Oriva-Webhooks/1.0"})
	event := f.addEvent()
	sub := f.addSubscription(server.URL)

	require.NoError(t, f.svc.DeliverEvent(context.Background(), event.ID, sub.ID))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, requests, "exactly one POST per delivery")

	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, event.ID.String(), header.Get("X-Oriva-Event-Id"))
	assert.Equal(t, "session.started", header.Get("X-Oriva-Event-Type"))
	assert.Equal(t, "Oriva-Webhooks/1.0", header.Get("User-Agent"))
	assert.True(t, VerifySignature("wh-secret", body, header.Get("X-Oriva-Signature")),
		"signature covers the exact bytes on the wire")

	assert.Contains(t, string(body), `"event_type":"session.started"`)
	assert.Contains(t, string(body), `"app_id":"hugo-love"`)

	logRow := f.logs.last()
	require.NotNil(t, logRow)
	assert.True(t, logRow.Success)
	require.NotNil(t, logRow.ResponseStatus)
	assert.Equal(t, http.StatusOK, *logRow.ResponseStatus)

	stored, _ := f.webhooks.Get(context.Background(), sub.ID)
	assert.Zero(t, stored.ConsecutiveFailures)
	assert.NotNil(t, stored.LastDeliveryAt)
}

func TestDeliverEventNon2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newFixture(t, Config{})
	event := f.addEvent()
	sub := f.addSubscription(server.URL)

	err := f.svc.DeliverEvent(context.Background(), event.ID, sub.ID)
	require.Error(t, err)

	logRow := f.logs.last()
	require.NotNil(t, logRow)
	assert.False(t, logRow.Success)
	require.NotNil(t, logRow.ResponseStatus)
	assert.Equal(t, http.StatusInternalServerError, *logRow.ResponseStatus)

	stored, _ := f.webhooks.Get(context.Background(), sub.ID)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
}

func TestDeliverEventTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture(t, Config{Timeout: 50 * time.Millisecond})
	event := f.addEvent()
	sub := f.addSubscription(server.URL)

	err := f.svc.DeliverEvent(context.Background(), event.ID, sub.ID)
	require.Error(t, err)

	logRow := f.logs.last()
	require.NotNil(t, logRow)
	assert.False(t, logRow.Success)
	assert.Nil(t, logRow.ResponseStatus, "timed-out requests have no response")
}

func TestDeliverEventTruncatesResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, strings.Repeat("x", 5000))
	}))
	defer server.Close()

	f := newFixture(t, Config{})
	event := f.addEvent()
	sub := f.addSubscription(server.URL)

	err := f.svc.DeliverEvent(context.Background(), event.ID, sub.ID)
	require.Error(t, err)

	logRow := f.logs.last()
	require.NotNil(t, logRow)
	assert.Len(t, logRow.ResponseBody, maxResponseBodyLen)
}

func TestDeliverEventSkipsInactiveSubscription(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
	}))
	defer server.Close()

	f := newFixture(t, Config{})
	event := f.addEvent()
	sub := f.addSubscription(server.URL)
	sub.Active = false

	require.NoError(t, f.svc.DeliverEvent(context.Background(), event.ID, sub.ID))
	assert.Zero(t, requests)
	assert.Nil(t, f.logs.last(), "inactive subscriptions produce no audit rows")
}

func TestConsecutiveFailuresTripTheFuse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	threshold := 3
	f := newFixture(t, Config{FailureThreshold: threshold})
	event := f.addEvent()
	sub := f.addSubscription(server.URL)

	for i := 0; i < threshold; i++ {
		err := f.svc.DeliverEvent(context.Background(), event.ID, sub.ID)
		require.Error(t, err)
	}

	stored, _ := f.webhooks.Get(context.Background(), sub.ID)
	assert.False(t, stored.Active, "subscription flips inactive at the threshold")

	// Tripped subscriptions fall out of the fan-out entirely.
	submitted, err := f.svc.Trigger(context.Background(), event)
	require.NoError(t, err)
	assert.Zero(t, submitted)

	// Reactivation rearms the counter.
	require.NoError(t, f.svc.SetActive(context.Background(), sub.ID, "hugo-love", true))
	stored, _ = f.webhooks.Get(context.Background(), sub.ID)
	assert.True(t, stored.Active)
	assert.Zero(t, stored.ConsecutiveFailures)
}

func TestTriggerFansOutThroughPool(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
	)
	done := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer server.Close()

	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	event := f.addEvent()
	f.addSubscription(server.URL)
	f.addSubscription(server.URL)

	submitted, err := f.svc.Trigger(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 2, submitted)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for webhook deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, requests)
}

func TestTriggerDropsOnQueueOverflow(t *testing.T) {
	f := newFixture(t, Config{})
	// A tiny, never-started pool: the queue fills and stays full.
	f.svc.pool = worker.NewPool(1, 1, testLogger)

	event := f.addEvent()
	f.addSubscription("http://localhost:1/hook")
	f.addSubscription("http://localhost:1/hook")
	f.addSubscription("http://localhost:1/hook")

	submitted, err := f.svc.Trigger(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted, "jobs beyond queue capacity are dropped, not blocked on")
}

func TestRetryRespectsCapAndSuccessfulLogs(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 5})
	event := f.addEvent()
	sub := f.addSubscription("http://localhost:1/hook")

	err := f.svc.Retry(context.Background(), uuid.New(), 6)
	assert.True(t, apperrors.IsValidation(err), "attempts beyond the cap are rejected")

	succeeded := &model.WebhookDeliveryLog{
		ID:        uuid.New(),
		WebhookID: sub.ID,
		EventID:   event.ID,
		Success:   true,
	}
	require.NoError(t, f.logs.Create(context.Background(), succeeded))
	assert.NoError(t, f.svc.Retry(context.Background(), succeeded.ID, 2), "succeeded logs are a no-op")
}

func TestRegisterValidatesInput(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.Register(context.Background(), "hugo-love", "", "secret", []string{"session.started"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Register(context.Background(), "hugo-love", "https://example.com/hook", "", []string{"session.started"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Register(context.Background(), "hugo-love", "https://example.com/hook", "secret", nil)
	assert.True(t, apperrors.IsValidation(err))

	sub, err := f.svc.Register(context.Background(), "hugo-love", "https://example.com/hook", "secret", []string{"session.started"})
	require.NoError(t, err)
	assert.True(t, sub.Active)
}

func TestWebhookManagementIsAppScoped(t *testing.T) {
	f := newFixture(t, Config{})
	event := f.addEvent()
	sub := f.addSubscription("https://example.com/hook")
	require.NoError(t, f.logs.Create(context.Background(), &model.WebhookDeliveryLog{
		ID:        uuid.New(),
		WebhookID: sub.ID,
		EventID:   event.ID,
	}))

	err := f.svc.SetActive(context.Background(), sub.ID, "other-app", false)
	assert.True(t, apperrors.IsNotFound(err), "another app's webhook looks missing")
	stored, _ := f.webhooks.Get(context.Background(), sub.ID)
	assert.True(t, stored.Active, "the subscription is untouched")

	_, err = f.svc.Logs(context.Background(), sub.ID, "other-app", 10)
	assert.True(t, apperrors.IsNotFound(err))

	logs, err := f.svc.Logs(context.Background(), sub.ID, "hugo-love", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRetryBackoffDoubles(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryBackoff(1))
	assert.Equal(t, 4*time.Second, RetryBackoff(2))
	assert.Equal(t, 32*time.Second, RetryBackoff(5))
	assert.Equal(t, 2*time.Second, RetryBackoff(0), "floor at the first attempt")
}

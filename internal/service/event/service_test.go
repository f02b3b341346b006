package event

import (
	"context"
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
)

var (
	testLogger  = logger.NewLogger(nil)
	testMetrics = metrics.NewMetrics("test", "eventbus")
)

type fakeEventRepo struct {
	mu         sync.Mutex
	events     []*model.Event
	failCreate bool
	lastLimit  int
}

func (r *fakeEventRepo) Create(_ context.Context, event *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate {
		return assert.AnError
	}
	r.events = append(r.events, event)
	return nil
}

func (r *fakeEventRepo) Get(_ context.Context, id uuid.UUID) (*model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (r *fakeEventRepo) List(_ context.Context, userID uuid.UUID, _ string, _ *model.EventFilter, limit, _ int) ([]*model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLimit = limit
	var out []*model.Event
	for _, e := range r.events {
		if e.UserID != nil && *e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*model.Event
	var deleted int64
	for _, e := range r.events {
		if e.Timestamp.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return deleted, nil
}

type fakeSubRepo struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*model.EventSubscription
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[uuid.UUID]*model.EventSubscription)}
}

func (r *fakeSubRepo) Create(_ context.Context, sub *model.EventSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	return nil
}

func (r *fakeSubRepo) Get(_ context.Context, id uuid.UUID) (*model.EventSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id], nil
}

func (r *fakeSubRepo) Deactivate(_ context.Context, id, _ uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.Active = false
	}
	return nil
}

func (r *fakeSubRepo) ListActive(_ context.Context, userID uuid.UUID, appID string) ([]*model.EventSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.EventSubscription
	for _, sub := range r.subs {
		if sub.Active && sub.UserID == userID && sub.AppID == appID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func newTestService() (*Service, *fakeEventRepo, *fakeSubRepo) {
	events := &fakeEventRepo{}
	subs := newFakeSubRepo()
	return NewService(events, subs, 30, testLogger, testMetrics), events, subs
}

func testSource() model.EventSource {
	return model.EventSource{AppID: "hugo-love", AppName: "Hugo Love", Version: "2.1.0"}
}

func TestPublishPersistsAndDispatches(t *testing.T) {
	svc, repo, _ := newTestService()

	var seen []*model.Event
	svc.RegisterGlobalHandler(func(_ context.Context, e *model.Event) error {
		seen = append(seen, e)
		return nil
	})

	userID := uuid.New()
	event, err := svc.Publish(context.Background(), testSource(), &userID, &PublishInput{
		Type: "session.started",
		Data: model.JSONMap{"sessionId": "sess-1"},
	})
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, "session.started", event.Type)
	assert.Equal(t, "hugo-love", event.SourceAppID)
	assert.NotEmpty(t, event.CorrelationID, "correlation id is generated when absent")
	assert.Len(t, repo.events, 1)

	require.Len(t, seen, 1)
	assert.Equal(t, event.ID, seen[0].ID)
}

func TestPublishKeepsCallerCorrelationID(t *testing.T) {
	svc, _, _ := newTestService()

	userID := uuid.New()
	event, err := svc.Publish(context.Background(), testSource(), &userID, &PublishInput{
		Type:          "session.started",
		CorrelationID: "corr-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-abc", event.CorrelationID)
}

func TestPublishRejectsInvalidType(t *testing.T) {
	svc, repo, _ := newTestService()

	called := false
	svc.RegisterGlobalHandler(func(context.Context, *model.Event) error {
		called = true
		return nil
	})

	for _, bad := range []string{"", "noseparator", "too.many.parts", ".type", "category."} {
		_, err := svc.Publish(context.Background(), testSource(), nil, &PublishInput{Type: bad})
		assert.True(t, apperrors.IsValidation(err), "type %q should be rejected", bad)
	}

	assert.Empty(t, repo.events)
	assert.False(t, called, "no handler runs for rejected events")
}

func TestPublishRequiresSourceApp(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Publish(context.Background(), model.EventSource{}, nil, &PublishInput{Type: "session.started"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestPublishStoreFailureSkipsDispatch(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.failCreate = true

	called := false
	svc.RegisterGlobalHandler(func(context.Context, *model.Event) error {
		called = true
		return nil
	})

	_, err := svc.Publish(context.Background(), testSource(), nil, &PublishInput{Type: "session.started"})
	require.Error(t, err)
	assert.False(t, called, "persistence precedes dispatch")
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	svc, _, _ := newTestService()

	secondRan := false
	svc.RegisterGlobalHandler(func(context.Context, *model.Event) error {
		panic("boom")
	})
	svc.RegisterGlobalHandler(func(context.Context, *model.Event) error {
		return assert.AnError
	})
	svc.RegisterGlobalHandler(func(context.Context, *model.Event) error {
		secondRan = true
		return nil
	})

	_, err := svc.Publish(context.Background(), testSource(), nil, &PublishInput{Type: "session.started"})
	require.NoError(t, err, "handler failures never reach the publisher")
	assert.True(t, secondRan, "later handlers still run")
}

func TestSubscribeDispatchesMatchingTypes(t *testing.T) {
	svc, _, _ := newTestService()
	userID := uuid.New()

	var got []string
	sub, err := svc.Subscribe(context.Background(), userID, "hugo-love", &SubscribeInput{
		EventTypes: []string{"chat.message_received"},
	}, func(_ context.Context, e *model.Event) error {
		got = append(got, e.Type)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, sub)

	_, err = svc.Publish(context.Background(), testSource(), &userID, &PublishInput{Type: "chat.message_received"})
	require.NoError(t, err)
	_, err = svc.Publish(context.Background(), testSource(), &userID, &PublishInput{Type: "session.started"})
	require.NoError(t, err)

	assert.Equal(t, []string{"chat.message_received"}, got)
}

func TestWildcardHandlerReceivesEveryType(t *testing.T) {
	svc, _, _ := newTestService()
	userID := uuid.New()

	var got []string
	_, err := svc.Subscribe(context.Background(), userID, "hugo-love", &SubscribeInput{
		EventTypes: []string{"*"},
	}, func(_ context.Context, e *model.Event) error {
		got = append(got, e.Type)
		return nil
	})
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), testSource(), &userID, &PublishInput{Type: "session.started"})
	require.NoError(t, err)
	_, err = svc.Publish(context.Background(), testSource(), &userID, &PublishInput{Type: "chat.message_received"})
	require.NoError(t, err)

	assert.Equal(t, []string{"session.started", "chat.message_received"}, got)
}

func TestSubscribeAcceptsWildcard(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Subscribe(context.Background(), uuid.New(), "hugo-love", &SubscribeInput{
		EventTypes: []string{"*"},
	}, nil)
	assert.NoError(t, err)

	_, err = svc.Subscribe(context.Background(), uuid.New(), "hugo-love", &SubscribeInput{
		EventTypes: []string{"not-a-type"},
	}, nil)
	assert.True(t, apperrors.IsValidation(err))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService()
	userID := uuid.New()

	calls := 0
	sub, err := svc.Subscribe(context.Background(), userID, "hugo-love", &SubscribeInput{
		EventTypes: []string{"session.ended"},
	}, func(context.Context, *model.Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.Unsubscribe(context.Background(), sub.ID, userID))
	require.NoError(t, svc.Unsubscribe(context.Background(), sub.ID, userID))

	_, err = svc.Publish(context.Background(), testSource(), &userID, &PublishInput{Type: "session.ended"})
	require.NoError(t, err)
	assert.Zero(t, calls, "handler is gone after unsubscribe")
}

func TestEventHistoryClampsLimit(t *testing.T) {
	svc, repo, _ := newTestService()
	userID := uuid.New()

	_, err := svc.EventHistory(context.Background(), userID, "hugo-love", nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, defaultHistoryLimit, repo.lastLimit)

	_, err = svc.EventHistory(context.Background(), userID, "hugo-love", nil, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, maxHistoryLimit, repo.lastLimit)
}

func TestCleanupOldEvents(t *testing.T) {
	svc, repo, _ := newTestService()
	userID := uuid.New()

	_, err := svc.Publish(context.Background(), testSource(), &userID, &PublishInput{Type: "session.started"})
	require.NoError(t, err)
	repo.events[0].Timestamp = time.Now().Add(-60 * 24 * time.Hour)

	deleted, err := svc.CleanupOldEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Empty(t, repo.events)
}

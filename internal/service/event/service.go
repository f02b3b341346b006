package event

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
	apperrors "github.com/oriva/events-api/pkg/errors"
	"github.com/oriva/events-api/pkg/logger"
	"github.com/oriva/events-api/pkg/metrics"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	defaultRetention    = 30 * 24 * time.Hour
)

// Handler consumes a dispatched event. Handlers run synchronously on the
// publish path but are isolated: a handler error or panic is logged and never
// reaches the publisher.
type Handler func(ctx context.Context, event *model.Event) error

// PublishInput is the payload of a publish call.
type PublishInput struct {
	Type           string         `json:"event_type" binding:"required"`
	Data           model.JSONMap  `json:"data"`
	OrganizationID *uuid.UUID     `json:"organization_id,omitempty"`
	CorrelationID  string         `json:"-"`
	Metadata       model.JSONMap  `json:"metadata,omitempty"`
}

// SubscribeInput describes the types and filters a subscriber wants.
type SubscribeInput struct {
	EventTypes []string      `json:"event_types" binding:"required,min=1"`
	Filters    model.JSONMap `json:"filters,omitempty"`
}

// liveSubscription pairs a persisted subscription row with its in-process
// handler. Matching goes through the row so wildcard entries behave the same
// in dispatch as everywhere else.
type liveSubscription struct {
	sub     *model.EventSubscription
	handler Handler
}

// Service is the event bus: it accepts published events, persists them, and
// dispatches to matching in-process subscribers.
type Service struct {
	events    repository.EventRepository
	subs      repository.SubscriptionRepository
	logger    *logger.Logger
	metrics   *metrics.Metrics
	retention time.Duration

	mu             sync.RWMutex
	handlers       map[uuid.UUID]*liveSubscription
	globalHandlers []Handler
}

func NewService(events repository.EventRepository, subs repository.SubscriptionRepository, retentionDays int, logger *logger.Logger, metrics *metrics.Metrics) *Service {
	retention := defaultRetention
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	return &Service{
		events:    events,
		subs:      subs,
		logger:    logger,
		metrics:   metrics,
		retention: retention,
		handlers:  make(map[uuid.UUID]*liveSubscription),
	}
}

// RegisterGlobalHandler wires an in-process consumer that sees every
// published event, e.g. the notification router and the webhook trigger.
func (s *Service) RegisterGlobalHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalHandlers = append(s.globalHandlers, h)
}

// Publish validates, persists, and then dispatches the event. Persistence
// precedes dispatch: if the store write fails the call fails and no handler
// runs, so an accepted event is never silently lost. Dispatch failures are
// isolated per handler and never propagate to the caller.
func (s *Service) Publish(ctx context.Context, source model.EventSource, userID *uuid.UUID, in *PublishInput) (*model.Event, error) {
	if err := validatePublish(source, in); err != nil {
		return nil, err
	}

	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	now := time.Now()
	event := &model.Event{
		ID:             uuid.New(),
		Type:           in.Type,
		SourceAppID:    source.AppID,
		SourceAppName:  source.AppName,
		SourceVersion:  source.Version,
		UserID:         userID,
		OrganizationID: in.OrganizationID,
		CorrelationID:  correlationID,
		Timestamp:      now,
		Data:           in.Data,
		Metadata:       in.Metadata,
		CreatedAt:      now,
	}

	if err := s.events.Create(ctx, event); err != nil {
		s.metrics.EventPublishFailures.Inc()
		return nil, apperrors.Persistence("event publish", err)
	}
	s.metrics.EventsPublished.WithLabelValues(event.Type).Inc()

	s.dispatch(ctx, event)

	return event, nil
}

func (s *Service) dispatch(ctx context.Context, event *model.Event) {
	s.mu.RLock()
	targets := make([]Handler, 0, len(s.globalHandlers)+len(s.handlers))
	targets = append(targets, s.globalHandlers...)
	for _, live := range s.handlers {
		if live.sub.Matches(event.Type) {
			targets = append(targets, live.handler)
		}
	}
	s.mu.RUnlock()

	for _, h := range targets {
		s.invoke(ctx, h, event)
	}
}

// invoke shields the publish path from one handler's failure.
func (s *Service) invoke(ctx context.Context, h Handler, event *model.Event) {
	defer func() {
		if p := recover(); p != nil {
			s.metrics.HandlerFailures.WithLabelValues(event.Type).Inc()
			s.logger.Error(fmt.Errorf("panic: %v", p), "event handler panicked",
				"event_id", event.ID.String(),
				"event_type", event.Type)
		}
	}()

	if err := h(ctx, event); err != nil {
		s.metrics.HandlerFailures.WithLabelValues(event.Type).Inc()
		s.logger.Error(err, "event handler failed",
			"event_id", event.ID.String(),
			"event_type", event.Type)
	}
}

// Subscribe persists an audit row and, when a live handler is supplied,
// registers it in the in-memory map. In-memory registrations do not survive a
// restart; callers must re-subscribe.
func (s *Service) Subscribe(ctx context.Context, userID uuid.UUID, appID string, in *SubscribeInput, handler Handler) (*model.EventSubscription, error) {
	if in == nil || len(in.EventTypes) == 0 {
		return nil, apperrors.Validation("at least one event type is required")
	}
	for _, t := range in.EventTypes {
		if t != "*" && !validEventType(t) {
			return nil, apperrors.Validation(fmt.Sprintf("invalid event type %q", t))
		}
	}

	now := time.Now()
	sub := &model.EventSubscription{
		ID:         uuid.New(),
		UserID:     userID,
		AppID:      appID,
		EventTypes: in.EventTypes,
		Filters:    in.Filters,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, apperrors.Persistence("subscription create", err)
	}

	if handler != nil {
		s.mu.Lock()
		s.handlers[sub.ID] = &liveSubscription{sub: sub, handler: handler}
		s.mu.Unlock()
	}

	return sub, nil
}

// Unsubscribe removes the subscription from the store and the in-memory map.
// It is idempotent.
func (s *Service) Unsubscribe(ctx context.Context, id, userID uuid.UUID) error {
	if err := s.subs.Deactivate(ctx, id, userID); err != nil {
		return apperrors.Persistence("subscription deactivate", err)
	}

	s.mu.Lock()
	delete(s.handlers, id)
	s.mu.Unlock()

	return nil
}

// EventHistory returns newest-first events for the user+app pair.
func (s *Service) EventHistory(ctx context.Context, userID uuid.UUID, appID string, filter *model.EventFilter, limit, offset int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	events, err := s.events.List(ctx, userID, appID, filter, limit, offset)
	if err != nil {
		return nil, apperrors.Persistence("event history", err)
	}
	return events, nil
}

// Subscriptions lists the caller's active subscription rows.
func (s *Service) Subscriptions(ctx context.Context, userID uuid.UUID, appID string) ([]*model.EventSubscription, error) {
	subs, err := s.subs.ListActive(ctx, userID, appID)
	if err != nil {
		return nil, apperrors.Persistence("subscription list", err)
	}
	return subs, nil
}

// CleanupOldEvents deletes events past the retention window. Invoked by the
// external scheduler.
func (s *Service) CleanupOldEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	deleted, err := s.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, apperrors.Persistence("event cleanup", err)
	}
	if deleted > 0 {
		s.logger.Info("cleaned up old events", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

func validatePublish(source model.EventSource, in *PublishInput) error {
	if source.AppID == "" {
		return apperrors.Validation("source app_id is required")
	}
	if in == nil || in.Type == "" {
		return apperrors.Validation("event_type is required")
	}
	if !validEventType(in.Type) {
		return apperrors.Validation(fmt.Sprintf("event_type %q must have the form category.type", in.Type))
	}
	return nil
}

// validEventType accepts fully-qualified "category.type" strings.
func validEventType(t string) bool {
	parts := strings.Split(t, ".")
	if len(parts) != 2 {
		return false
	}
	return parts[0] != "" && parts[1] != ""
}

package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
	apperrors "github.com/oriva/events-api/pkg/errors"
	"github.com/oriva/events-api/pkg/logger"
	"github.com/oriva/events-api/pkg/metrics"
)

const (
	prefsCacheTTL     = 5 * time.Minute
	prefsCacheCleanup = 10 * time.Minute

	baseRetryDelay = time.Second
	maxRetryDelay  = 60 * time.Second

	defaultPollLimit = 50
)

// ReadEventPublisher lets the router emit a platform event when a
// notification is first marked read, without importing the event bus.
type ReadEventPublisher func(ctx context.Context, notification *model.Notification)

// Service is the notification router: it turns events into per-user
// notifications honoring preferences, dispatches them through channel
// adapters, and tracks per-channel outcomes with retry.
type Service struct {
	notifications repository.NotificationRepository
	attempts      repository.DeliveryAttemptRepository
	prefs         repository.PreferencesRepository
	rules         *RuleSet
	adapters      map[string]ChannelAdapter
	prefsCache    *gocache.Cache
	readPublisher ReadEventPublisher
	logger        *logger.Logger
	metrics       *metrics.Metrics
}

func NewService(
	notifications repository.NotificationRepository,
	attempts repository.DeliveryAttemptRepository,
	prefs repository.PreferencesRepository,
	rules *RuleSet,
	adapters map[string]ChannelAdapter,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Service {
	return &Service{
		notifications: notifications,
		attempts:      attempts,
		prefs:         prefs,
		rules:         rules,
		adapters:      adapters,
		prefsCache:    gocache.New(prefsCacheTTL, prefsCacheCleanup),
		logger:        logger,
		metrics:       metrics,
	}
}

// SetReadEventPublisher wires the mark-read state-change event emitter.
func (s *Service) SetReadEventPublisher(pub ReadEventPublisher) {
	s.readPublisher = pub
}

// RouteEvent creates one pending notification per enabled mapping rule that
// survives the user's preferences. Events without a user never produce
// notifications.
func (s *Service) RouteEvent(ctx context.Context, event *model.Event) ([]*model.Notification, error) {
	if event == nil {
		return nil, apperrors.Validation("event is required")
	}
	if event.UserID == nil {
		return nil, nil
	}

	timer := prometheus.NewTimer(s.metrics.RoutingLatency)
	defer timer.ObserveDuration()

	prefs, err := s.preferences(ctx, *event.UserID)
	if err != nil {
		return nil, err
	}

	var created []*model.Notification
	for _, rule := range s.rules.ForEventType(event.Type) {
		if prefs.Unsubscribed(rule.NotificationType) {
			continue
		}

		channels := effectiveChannels(rule, prefs)
		if len(channels) == 0 {
			continue
		}

		priority := rule.Priority
		if tp, ok := prefs.NotificationTypes[rule.NotificationType]; ok && tp.Priority != "" {
			priority = tp.Priority
		}

		now := time.Now()
		notification := &model.Notification{
			ID:            uuid.New(),
			UserID:        *event.UserID,
			Type:          rule.NotificationType,
			Title:         renderTemplate(rule.TitleTemplate, event.Data),
			Body:          renderTemplate(rule.BodyTemplate, event.Data),
			Data:          mergeData(rule, event),
			Channels:      channels,
			Priority:      priority,
			Status:        model.NotificationStatusPending,
			SourceAppID:   event.SourceAppID,
			EventID:       event.ID,
			CorrelationID: event.CorrelationID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if err := s.notifications.Create(ctx, notification); err != nil {
			return created, apperrors.Persistence("notification create", err)
		}
		s.metrics.NotificationsRouted.WithLabelValues(notification.Type).Inc()
		created = append(created, notification)
	}

	return created, nil
}

// effectiveChannels intersects the rule's (or the user's per-type override)
// channel set with the channels the user left enabled.
func effectiveChannels(rule *model.MappingRule, prefs *model.NotificationPreferences) []string {
	base := []string(rule.Channels)
	if tp, ok := prefs.NotificationTypes[rule.NotificationType]; ok {
		if !tp.Enabled {
			return nil
		}
		if len(tp.Channels) > 0 {
			base = tp.Channels
		}
	}

	out := make([]string, 0, len(base))
	for _, ch := range base {
		if prefs.ChannelEnabled(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Send dispatches the notification through each of its channels. Channels
// fail independently; the aggregate status is sent only when every channel
// succeeded, while per-channel outcomes stay visible in the attempt log.
func (s *Service) Send(ctx context.Context, notification *model.Notification) ([]model.DeliveryResult, error) {
	if notification == nil {
		return nil, apperrors.Validation("notification is required")
	}

	results := make([]model.DeliveryResult, 0, len(notification.Channels))
	allSucceeded := true

	for _, channel := range notification.Channels {
		result := s.deliverChannel(ctx, notification, channel)
		if !result.Success {
			allSucceeded = false
		}
		results = append(results, result)
	}

	status := model.NotificationStatusSent
	var sentAt *time.Time
	if allSucceeded {
		now := time.Now()
		sentAt = &now
	} else {
		status = model.NotificationStatusFailed
	}
	if err := s.notifications.UpdateStatus(ctx, notification.ID, status, sentAt); err != nil {
		s.logger.Error(err, "failed to update notification status",
			"notification_id", notification.ID.String())
	}
	notification.Status = status

	return results, nil
}

func (s *Service) deliverChannel(ctx context.Context, notification *model.Notification, channel string) model.DeliveryResult {
	result := model.DeliveryResult{Channel: channel}

	adapter, ok := s.adapters[channel]
	if !ok {
		result.Error = fmt.Sprintf("unknown channel %q", channel)
	} else {
		externalID, err := adapter.Deliver(ctx, notification)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.ExternalID = externalID
		}
	}

	attempt := &model.DeliveryAttempt{
		ID:             uuid.New(),
		NotificationID: notification.ID,
		Channel:        channel,
		Status:         model.AttemptStatusSent,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if result.Success {
		if result.ExternalID != "" {
			attempt.ExternalID = &result.ExternalID
		}
	} else {
		attempt.Status = model.AttemptStatusFailed
		errMsg := result.Error
		attempt.Error = &errMsg
	}

	// Attempt-log writes are observability, not control flow.
	if err := s.attempts.Create(ctx, attempt); err != nil {
		s.logger.Error(err, "failed to record delivery attempt",
			"notification_id", notification.ID.String(),
			"channel", channel)
	}
	s.metrics.DeliveryAttempts.WithLabelValues(channel, attempt.Status).Inc()

	return result
}

// RetryFailed re-drives failed attempts younger than maxAge and under the
// retry cap. Invoked by the external scheduler.
func (s *Service) RetryFailed(ctx context.Context, maxRetries int, maxAge time.Duration) (int, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	attempts, err := s.attempts.ListRetryable(ctx, maxRetries, time.Now().Add(-maxAge), 100)
	if err != nil {
		return 0, apperrors.Persistence("retryable attempt list", err)
	}

	retried := 0
	for _, attempt := range attempts {
		if err := s.retryAttempt(ctx, attempt, maxRetries); err != nil {
			s.logger.Error(err, "retry pass failed for attempt",
				"attempt_id", attempt.ID.String(),
				"channel", attempt.Channel)
			continue
		}
		retried++
	}
	return retried, nil
}

func (s *Service) retryAttempt(ctx context.Context, attempt *model.DeliveryAttempt, maxRetries int) error {
	notification, err := s.notifications.Get(ctx, attempt.NotificationID)
	if err != nil {
		return err
	}
	if notification == nil {
		return fmt.Errorf("notification %s no longer exists", attempt.NotificationID)
	}

	adapter, ok := s.adapters[attempt.Channel]
	if !ok {
		return fmt.Errorf("unknown channel %q", attempt.Channel)
	}

	s.metrics.DeliveryRetries.WithLabelValues(attempt.Channel).Inc()

	externalID, deliverErr := adapter.Deliver(ctx, notification)
	if deliverErr == nil {
		attempt.Status = model.AttemptStatusSent
		attempt.Error = nil
		attempt.NextRetryAt = nil
		if externalID != "" {
			attempt.ExternalID = &externalID
		}
		if err := s.attempts.Update(ctx, attempt); err != nil {
			return err
		}
		s.metrics.DeliveryAttempts.WithLabelValues(attempt.Channel, model.AttemptStatusSent).Inc()
		return s.reconcileStatus(ctx, notification.ID)
	}

	attempt.RetryCount++
	errMsg := deliverErr.Error()
	attempt.Error = &errMsg
	if attempt.RetryCount >= maxRetries {
		// Demoted to permanently failed; the scheduler stops picking it up.
		attempt.NextRetryAt = nil
	} else {
		next := time.Now().Add(RetryDelay(attempt.RetryCount))
		attempt.NextRetryAt = &next
	}
	s.metrics.DeliveryAttempts.WithLabelValues(attempt.Channel, model.AttemptStatusFailed).Inc()
	return s.attempts.Update(ctx, attempt)
}

// reconcileStatus promotes the notification to sent once no failed attempts
// remain.
func (s *Service) reconcileStatus(ctx context.Context, notificationID uuid.UUID) error {
	attempts, err := s.attempts.ListByNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		if a.Status != model.AttemptStatusSent {
			return nil
		}
	}
	now := time.Now()
	return s.notifications.UpdateStatus(ctx, notificationID, model.NotificationStatusSent, &now)
}

// RetryDelay computes the exponential backoff for a retry:
// min(1s * 2^(retryCount-1), 60s).
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := baseRetryDelay << uint(retryCount-1)
	if delay > maxRetryDelay || delay <= 0 {
		return maxRetryDelay
	}
	return delay
}

// GetPreferences returns the stored preferences, synthesizing defaults when
// the user never saved any.
func (s *Service) GetPreferences(ctx context.Context, userID uuid.UUID) (*model.NotificationPreferences, error) {
	return s.preferences(ctx, userID)
}

func (s *Service) preferences(ctx context.Context, userID uuid.UUID) (*model.NotificationPreferences, error) {
	key := userID.String()
	if cached, ok := s.prefsCache.Get(key); ok {
		return cached.(*model.NotificationPreferences), nil
	}

	prefs, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence("preferences lookup", err)
	}
	if prefs == nil {
		prefs = model.DefaultPreferences(userID)
	}
	s.prefsCache.Set(key, prefs, gocache.DefaultExpiration)
	return prefs, nil
}

// UpdatePreferences validates and upserts the user's preferences.
func (s *Service) UpdatePreferences(ctx context.Context, prefs *model.NotificationPreferences) error {
	if prefs == nil {
		return apperrors.Validation("preferences are required")
	}
	for channel := range prefs.Channels {
		if !model.IsKnownChannel(channel) {
			return apperrors.Validation(fmt.Sprintf("unknown channel %q", channel))
		}
	}
	for _, tp := range prefs.NotificationTypes {
		for _, channel := range tp.Channels {
			if !model.IsKnownChannel(channel) {
				return apperrors.Validation(fmt.Sprintf("unknown channel %q", channel))
			}
		}
	}

	if err := s.prefs.Upsert(ctx, prefs); err != nil {
		return apperrors.Persistence("preferences upsert", err)
	}
	s.prefsCache.Delete(prefs.UserID.String())
	return nil
}

// DeliveryStatus returns the newest-first attempt history for client polling.
func (s *Service) DeliveryStatus(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryAttempt, error) {
	attempts, err := s.attempts.ListByNotification(ctx, notificationID)
	if err != nil {
		return nil, apperrors.Persistence("delivery status", err)
	}
	return attempts, nil
}

// MarkRead stamps read_at exactly once and emits the state-change event only
// on the first call.
func (s *Service) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	changed, err := s.notifications.MarkRead(ctx, id, userID)
	if err != nil {
		return apperrors.Persistence("mark read", err)
	}
	if !changed || s.readPublisher == nil {
		return nil
	}

	notification, err := s.notifications.Get(ctx, id)
	if err != nil || notification == nil {
		return nil
	}
	s.readPublisher(ctx, notification)
	return nil
}

// Poll is the realtime fallback read: persisted in-app/push notifications,
// newest-first, for clients without a live socket.
func (s *Service) Poll(ctx context.Context, userID uuid.UUID, appIDs []string, limit int, since *time.Time) ([]*model.Notification, error) {
	if limit <= 0 {
		limit = defaultPollLimit
	}
	channels := []string{model.ChannelInApp, model.ChannelPush}
	notifications, err := s.notifications.ListForUser(ctx, userID, appIDs, channels, limit, since)
	if err != nil {
		return nil, apperrors.Persistence("notification poll", err)
	}
	return notifications, nil
}

// renderTemplate substitutes {{key}} placeholders with event data values.
func renderTemplate(tmpl string, data model.JSONMap) string {
	out := tmpl
	for key, value := range data {
		placeholder := "{{" + key + "}}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return out
}

// mergeData merges the rule's context with event data; event data wins on
// key collision.
func mergeData(rule *model.MappingRule, event *model.Event) model.JSONMap {
	merged := model.JSONMap{
		"event_type":        event.Type,
		"notification_type": rule.NotificationType,
	}
	for k, v := range event.Data {
		merged[k] = v
	}
	return merged
}

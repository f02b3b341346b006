package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
	apperrors "github.com/oriva/events-api/pkg/errors"
	"github.com/oriva/events-api/pkg/logger"
	"github.com/oriva/events-api/pkg/metrics"
	"github.com/oriva/events-api/pkg/worker"
)

const (
	maxResponseBodyLen = 1000

	headerSignature = "X-Oriva-Signature"
	headerEventID   = "X-Oriva-Event-Id"
	headerEventType = "X-Oriva-Event-Type"
)

// Config holds the delivery policy knobs.
type Config struct {
	Timeout          time.Duration
	FailureThreshold int
	MaxRetries       int
	UserAgent        string
}

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "Oriva-Webhooks/1.0"
	}
}

// payload is the canonical wire body. The signature is computed over exactly
// these bytes.
type payload struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	AppID     string                 `json:"app_id"`
	Data      map[string]interface{} `json:"data"`
}

// Service signs and POSTs events to subscribed endpoints, logs every attempt,
// and trips a per-subscription fuse after too many consecutive failures.
type Service struct {
	events     repository.EventRepository
	webhooks   repository.WebhookRepository
	logs       repository.WebhookLogRepository
	httpClient *http.Client
	pool       *worker.Pool
	config     Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewService(
	events repository.EventRepository,
	webhooks repository.WebhookRepository,
	logs repository.WebhookLogRepository,
	pool *worker.Pool,
	config Config,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Service {
	config.withDefaults()
	return &Service{
		events:     events,
		webhooks:   webhooks,
		logs:       logs,
		httpClient: &http.Client{},
		pool:       pool,
		config:     config,
		logger:     logger,
		metrics:    metrics,
	}
}

// Register stores a new webhook subscription.
func (s *Service) Register(ctx context.Context, appID, url, secret string, eventTypes []string) (*model.WebhookSubscription, error) {
	if url == "" {
		return nil, apperrors.Validation("url is required")
	}
	if secret == "" {
		return nil, apperrors.Validation("secret is required")
	}
	if len(eventTypes) == 0 {
		return nil, apperrors.Validation("at least one event type is required")
	}

	now := time.Now()
	sub := &model.WebhookSubscription{
		ID:         uuid.New(),
		AppID:      appID,
		URL:        url,
		Secret:     secret,
		EventTypes: eventTypes,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.webhooks.Create(ctx, sub); err != nil {
		return nil, apperrors.Persistence("webhook create", err)
	}
	return sub, nil
}

// ListForApp returns the app's webhook subscriptions.
func (s *Service) ListForApp(ctx context.Context, appID string) ([]*model.WebhookSubscription, error) {
	subs, err := s.webhooks.ListForApp(ctx, appID)
	if err != nil {
		return nil, apperrors.Persistence("webhook list", err)
	}
	return subs, nil
}

// SetActive flips the subscription on or off. Reactivating a tripped
// subscription rearms the failure counter. The subscription must belong to
// the calling app; other apps' webhooks are indistinguishable from missing.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, appID string, active bool) error {
	if _, err := s.ownedSubscription(ctx, id, appID); err != nil {
		return err
	}
	if err := s.webhooks.SetActive(ctx, id, active); err != nil {
		return apperrors.Persistence("webhook update", err)
	}
	return nil
}

// Logs returns the newest-first delivery audit rows for a subscription owned
// by the calling app.
func (s *Service) Logs(ctx context.Context, webhookID uuid.UUID, appID string, limit int) ([]*model.WebhookDeliveryLog, error) {
	if _, err := s.ownedSubscription(ctx, webhookID, appID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	logs, err := s.logs.ListByWebhook(ctx, webhookID, limit)
	if err != nil {
		return nil, apperrors.Persistence("webhook log list", err)
	}
	return logs, nil
}

func (s *Service) ownedSubscription(ctx context.Context, id uuid.UUID, appID string) (*model.WebhookSubscription, error) {
	sub, err := s.webhooks.Get(ctx, id)
	if err != nil {
		return nil, apperrors.Persistence("webhook lookup", err)
	}
	if sub == nil || sub.AppID != appID {
		return nil, apperrors.NotFound("webhook", nil)
	}
	return sub, nil
}

// Trigger fans the event out to every active subscription covering its type.
// Jobs go through the bounded pool so a publish spike cannot create unbounded
// concurrent outbound requests; when the queue is full the job is dropped and
// counted, never blocking the caller.
func (s *Service) Trigger(ctx context.Context, event *model.Event) (int, error) {
	subs, err := s.webhooks.ListActiveForEventType(ctx, event.Type)
	if err != nil {
		return 0, apperrors.Persistence("webhook lookup", err)
	}

	submitted := 0
	for _, sub := range subs {
		webhookID := sub.ID
		ok := s.pool.Submit(func(jobCtx context.Context) {
			if err := s.DeliverEvent(jobCtx, event.ID, webhookID); err != nil {
				s.logger.Error(err, "webhook delivery failed",
					"event_id", event.ID.String(),
					"webhook_id", webhookID.String())
			}
		})
		if !ok {
			s.metrics.WebhookQueueOverflows.Inc()
			s.logger.Warn("webhook queue full, dropping delivery",
				"event_id", event.ID.String(),
				"webhook_id", webhookID.String())
			continue
		}
		submitted++
	}
	return submitted, nil
}

// TriggerForEvent loads the event and triggers delivery. Used by the webhook
// channel adapter, which only holds the event id.
func (s *Service) TriggerForEvent(ctx context.Context, eventID uuid.UUID) (int, error) {
	event, err := s.events.Get(ctx, eventID)
	if err != nil {
		return 0, apperrors.Persistence("event lookup", err)
	}
	if event == nil {
		return 0, apperrors.NotFound("event", nil)
	}
	return s.Trigger(ctx, event)
}

// DeliverEvent performs one signed POST to one subscription. Inactive or
// missing subscriptions are a no-op. Every attempt lands in the audit log.
func (s *Service) DeliverEvent(ctx context.Context, eventID, webhookID uuid.UUID) error {
	event, err := s.events.Get(ctx, eventID)
	if err != nil {
		return apperrors.Persistence("event lookup", err)
	}
	if event == nil {
		return apperrors.NotFound("event", nil)
	}

	sub, err := s.webhooks.Get(ctx, webhookID)
	if err != nil {
		return apperrors.Persistence("webhook lookup", err)
	}
	if sub == nil || !sub.Active {
		return nil
	}

	return s.deliver(ctx, event, sub, 1)
}

func (s *Service) deliver(ctx context.Context, event *model.Event, sub *model.WebhookSubscription, attempt int) error {
	timer := prometheus.NewTimer(s.metrics.WebhookDeliveryLatency)
	defer timer.ObserveDuration()

	body, err := json.Marshal(payload{
		EventID:   event.ID.String(),
		EventType: event.Type,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		AppID:     event.SourceAppID,
		Data:      event.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	// Hard timeout: the request is cancelled on expiry, never left dangling.
	reqCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return s.recordOutcome(ctx, event, sub, attempt, nil, "", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, ComputeSignature(sub.Secret, body))
	req.Header.Set(headerEventID, event.ID.String())
	req.Header.Set(headerEventType, event.Type)
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return s.recordOutcome(ctx, event, sub, attempt, nil, "", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLen))

	var deliveryErr error
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		deliveryErr = fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return s.recordOutcome(ctx, event, sub, attempt, &resp.StatusCode, string(respBody), deliveryErr)
}

// recordOutcome appends the audit row and updates the subscription's failure
// counter. Log-write failures are non-fatal to the delivery outcome.
func (s *Service) recordOutcome(ctx context.Context, event *model.Event, sub *model.WebhookSubscription, attempt int, status *int, respBody string, deliveryErr error) error {
	success := deliveryErr == nil

	logRow := &model.WebhookDeliveryLog{
		ID:             uuid.New(),
		WebhookID:      sub.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		ResponseStatus: status,
		ResponseBody:   respBody,
		Attempts:       attempt,
		Success:        success,
		CreatedAt:      time.Now(),
	}
	if deliveryErr != nil {
		errMsg := deliveryErr.Error()
		logRow.Error = &errMsg
	}
	if err := s.logs.Create(ctx, logRow); err != nil {
		s.logger.Error(err, "failed to write webhook delivery log",
			"webhook_id", sub.ID.String(),
			"event_id", event.ID.String())
	}

	if success {
		s.metrics.WebhookDeliveries.WithLabelValues("success").Inc()
		if err := s.webhooks.RecordSuccess(ctx, sub.ID, time.Now()); err != nil {
			s.logger.Error(err, "failed to record webhook success", "webhook_id", sub.ID.String())
		}
		return nil
	}

	s.metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
	deactivated, err := s.webhooks.RecordFailure(ctx, sub.ID, s.config.FailureThreshold)
	if err != nil {
		s.logger.Error(err, "failed to record webhook failure", "webhook_id", sub.ID.String())
	}
	if deactivated {
		s.metrics.WebhookCircuitsOpened.Inc()
		s.logger.Warn("webhook deactivated after consecutive failures",
			"webhook_id", sub.ID.String(),
			"threshold", s.config.FailureThreshold)
	}
	return apperrors.Delivery(model.ChannelWebhook, deliveryErr)
}

// Retry re-attempts a previously failed delivery, capped at MaxRetries. The
// external scheduler invokes it after RetryBackoff has elapsed; this service
// does not self-schedule.
func (s *Service) Retry(ctx context.Context, logID uuid.UUID, attempt int) error {
	if attempt > s.config.MaxRetries {
		return apperrors.Validation(fmt.Sprintf("attempt %d exceeds retry cap %d", attempt, s.config.MaxRetries))
	}

	logRow, err := s.logs.Get(ctx, logID)
	if err != nil {
		return apperrors.Persistence("webhook log lookup", err)
	}
	if logRow == nil {
		return apperrors.NotFound("webhook delivery log", nil)
	}
	if logRow.Success {
		return nil
	}

	event, err := s.events.Get(ctx, logRow.EventID)
	if err != nil {
		return apperrors.Persistence("event lookup", err)
	}
	sub, err := s.webhooks.Get(ctx, logRow.WebhookID)
	if err != nil {
		return apperrors.Persistence("webhook lookup", err)
	}
	if event == nil || sub == nil || !sub.Active {
		return nil
	}

	return s.deliver(ctx, event, sub, attempt)
}

// RetryPending scans for failed deliveries whose backoff window has elapsed
// and re-drives them through the bounded pool. Invoked by the external
// scheduler.
func (s *Service) RetryPending(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.logs.ListRetryable(ctx, s.config.MaxRetries, time.Now().Add(-maxAge), limit)
	if err != nil {
		return 0, apperrors.Persistence("webhook retry scan", err)
	}

	submitted := 0
	for _, row := range rows {
		logID := row.ID
		attempt := row.Attempts + 1
		ok := s.pool.Submit(func(jobCtx context.Context) {
			if err := s.Retry(jobCtx, logID, attempt); err != nil {
				s.logger.Error(err, "webhook retry failed",
					"log_id", logID.String(),
					"attempt", attempt)
			}
		})
		if !ok {
			s.metrics.WebhookQueueOverflows.Inc()
			continue
		}
		s.metrics.DeliveryRetries.WithLabelValues(model.ChannelWebhook).Inc()
		submitted++
	}
	return submitted, nil
}

// RetryBackoff is the delay before retry attempt n: 2^n seconds.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

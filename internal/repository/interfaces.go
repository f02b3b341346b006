package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/model"
)

// All repository interfaces in one file
type (
	// EventRepository persists published events and serves history queries.
	EventRepository interface {
		Create(ctx context.Context, event *model.Event) error
		Get(ctx context.Context, id uuid.UUID) (*model.Event, error)
		List(ctx context.Context, userID uuid.UUID, appID string, filter *model.EventFilter, limit, offset int) ([]*model.Event, error)
		DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
	}

	// SubscriptionRepository stores the audit rows backing event subscriptions.
	SubscriptionRepository interface {
		Create(ctx context.Context, sub *model.EventSubscription) error
		Get(ctx context.Context, id uuid.UUID) (*model.EventSubscription, error)
		Deactivate(ctx context.Context, id, userID uuid.UUID) error
		ListActive(ctx context.Context, userID uuid.UUID, appID string) ([]*model.EventSubscription, error)
	}

	NotificationRepository interface {
		Create(ctx context.Context, notification *model.Notification) error
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.NotificationStatus, sentAt *time.Time) error
		// MarkRead stamps read_at once; it reports false when the
		// notification was already read so callers can keep the
		// state-change event idempotent.
		MarkRead(ctx context.Context, id, userID uuid.UUID) (bool, error)
		ListForUser(ctx context.Context, userID uuid.UUID, appIDs []string, channels []string, limit int, since *time.Time) ([]*model.Notification, error)
	}

	DeliveryAttemptRepository interface {
		Create(ctx context.Context, attempt *model.DeliveryAttempt) error
		Update(ctx context.Context, attempt *model.DeliveryAttempt) error
		ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryAttempt, error)
		ListRetryable(ctx context.Context, maxRetries int, since time.Time, limit int) ([]*model.DeliveryAttempt, error)
	}

	PreferencesRepository interface {
		// Get returns (nil, nil) when the user has never saved
		// preferences; callers synthesize defaults.
		Get(ctx context.Context, userID uuid.UUID) (*model.NotificationPreferences, error)
		Upsert(ctx context.Context, prefs *model.NotificationPreferences) error
	}

	MappingRuleRepository interface {
		ListEnabled(ctx context.Context) ([]*model.MappingRule, error)
	}

	WebhookRepository interface {
		Create(ctx context.Context, sub *model.WebhookSubscription) error
		Get(ctx context.Context, id uuid.UUID) (*model.WebhookSubscription, error)
		ListForApp(ctx context.Context, appID string) ([]*model.WebhookSubscription, error)
		ListActiveForEventType(ctx context.Context, eventType string) ([]*model.WebhookSubscription, error)
		RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
		// RecordFailure increments consecutive_failures and flips
		// active=false exactly when the counter reaches threshold. It
		// reports whether the subscription was deactivated by this call.
		RecordFailure(ctx context.Context, id uuid.UUID, threshold int) (bool, error)
		SetActive(ctx context.Context, id uuid.UUID, active bool) error
	}

	WebhookLogRepository interface {
		Create(ctx context.Context, log *model.WebhookDeliveryLog) error
		Get(ctx context.Context, id uuid.UUID) (*model.WebhookDeliveryLog, error)
		ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*model.WebhookDeliveryLog, error)
		// ListRetryable returns the newest failed attempt per
		// (webhook, event) pair that is under the attempt cap and whose
		// backoff window has elapsed.
		ListRetryable(ctx context.Context, maxAttempts int, since time.Time, limit int) ([]*model.WebhookDeliveryLog, error)
	}

	ConnectionRepository interface {
		Create(ctx context.Context, conn *model.Connection) error
		UpdateState(ctx context.Context, id uuid.UUID, state model.ConnectionState) error
		Touch(ctx context.Context, id uuid.UUID, at time.Time) error
		MarkDisconnected(ctx context.Context, id uuid.UUID, at time.Time) error
		DeleteDisconnectedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)

package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/email"
	"github.com/oriva/events-api/internal/model"
	apperrors "github.com/oriva/events-api/pkg/errors"
	"github.com/oriva/events-api/pkg/messaging"
)

// ChannelAdapter delivers a notification through one channel. Implementations
// are registered in a lookup table so new channels slot in without touching
// the router.
type ChannelAdapter interface {
	Name() string
	Deliver(ctx context.Context, notification *model.Notification) (externalID string, err error)
}

// Broadcaster is the realtime hub surface the realtime adapter needs.
type Broadcaster interface {
	BroadcastToUser(userID uuid.UUID, notification *model.Notification) (delivered, buffered int)
}

// WebhookTrigger is the webhook service surface the webhook adapter needs.
type WebhookTrigger interface {
	TriggerForEvent(ctx context.Context, eventID uuid.UUID) (int, error)
}

// inAppAdapter publishes the notification onto the broker's notifications
// topic; the realtime hub and any other in-process consumer pick it up. The
// notification row itself is already persisted, so in-app delivery succeeds
// with the notification id as external reference.
type inAppAdapter struct {
	broker messaging.Broker
}

func NewInAppAdapter(broker messaging.Broker) ChannelAdapter {
	return &inAppAdapter{broker: broker}
}

func (a *inAppAdapter) Name() string { return model.ChannelInApp }

func (a *inAppAdapter) Deliver(ctx context.Context, n *model.Notification) (string, error) {
	msg := messaging.NotificationMessage{
		NotificationID: n.ID.String(),
		UserID:         n.UserID.String(),
		Type:           n.Type,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
		Priority:       n.Priority,
		SourceAppID:    n.SourceAppID,
	}
	// Broker failure is tolerated: the row is queryable via polling either way.
	if a.broker != nil {
		_ = a.broker.Publish(ctx, messaging.TopicNotifications, msg)
	}
	return n.ID.String(), nil
}

// pushAdapter is an explicit stub. The default preferences still enable the
// push channel, so its failures surface in the attempt log rather than
// silently vanishing.
type pushAdapter struct{}

func NewPushAdapter() ChannelAdapter { return &pushAdapter{} }

func (a *pushAdapter) Name() string { return model.ChannelPush }

func (a *pushAdapter) Deliver(_ context.Context, _ *model.Notification) (string, error) {
	return "", apperrors.Delivery(model.ChannelPush, fmt.Errorf("push provider not implemented"))
}

// emailAdapter sends through the SMTP sender. The recipient address travels in
// the notification data because user profiles live outside this service.
type emailAdapter struct {
	sender email.Service
}

func NewEmailAdapter(sender email.Service) ChannelAdapter {
	return &emailAdapter{sender: sender}
}

func (a *emailAdapter) Name() string { return model.ChannelEmail }

func (a *emailAdapter) Deliver(ctx context.Context, n *model.Notification) (string, error) {
	recipient, _ := n.Data["recipient_email"].(string)
	if recipient == "" {
		return "", apperrors.Delivery(model.ChannelEmail, fmt.Errorf("no recipient address"))
	}
	if err := a.sender.SendCustom(ctx, recipient, n.Title, n.Body); err != nil {
		return "", apperrors.Delivery(model.ChannelEmail, err)
	}
	return recipient, nil
}

// webhookAdapter hands the originating event to the webhook delivery queue.
// Enqueueing counts as success; per-endpoint outcomes land in the webhook
// delivery log, never back on the router.
type webhookAdapter struct {
	trigger WebhookTrigger
}

func NewWebhookAdapter(trigger WebhookTrigger) ChannelAdapter {
	return &webhookAdapter{trigger: trigger}
}

func (a *webhookAdapter) Name() string { return model.ChannelWebhook }

func (a *webhookAdapter) Deliver(ctx context.Context, n *model.Notification) (string, error) {
	if _, err := a.trigger.TriggerForEvent(ctx, n.EventID); err != nil {
		return "", apperrors.Delivery(model.ChannelWebhook, err)
	}
	return n.EventID.String(), nil
}

// realtimeAdapter pushes straight to the user's live sockets. Buffered
// messages still count as accepted; a user with no connections is not an
// error because the polling fallback serves them.
type realtimeAdapter struct {
	hub Broadcaster
}

func NewRealtimeAdapter(hub Broadcaster) ChannelAdapter {
	return &realtimeAdapter{hub: hub}
}

func (a *realtimeAdapter) Name() string { return model.ChannelRealtime }

func (a *realtimeAdapter) Deliver(_ context.Context, n *model.Notification) (string, error) {
	delivered, buffered := a.hub.BroadcastToUser(n.UserID, n)
	return fmt.Sprintf("delivered=%d buffered=%d", delivered, buffered), nil
}

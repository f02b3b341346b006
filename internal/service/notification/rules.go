package notification

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
)

// RuleSet holds the event-to-notification mapping catalog. It starts from the
// embedded defaults and can be replaced wholesale from the durable store, so
// new mappings ship without a redeploy.
type RuleSet struct {
	mu          sync.RWMutex
	byEventType map[string][]*model.MappingRule
}

func NewRuleSet(rules []*model.MappingRule) *RuleSet {
	rs := &RuleSet{}
	rs.replace(rules)
	return rs
}

// DefaultRules is the embedded catalog used until the store provides one.
func DefaultRules() []*model.MappingRule {
	return []*model.MappingRule{
		{
			ID:               uuid.New(),
			EventType:        "session.started",
			NotificationType: "SESSION_REMINDER",
			Priority:         model.PriorityNormal,
			Channels:         []string{model.ChannelInApp, model.ChannelPush},
			TitleTemplate:    "Session starting",
			BodyTemplate:     "Your session {{sessionId}} is starting now.",
			Enabled:          true,
		},
		{
			ID:               uuid.New(),
			EventType:        "session.ended",
			NotificationType: "SESSION_SUMMARY",
			Priority:         model.PriorityLow,
			Channels:         []string{model.ChannelInApp},
			TitleTemplate:    "Session complete",
			BodyTemplate:     "Your session {{sessionId}} has ended.",
			Enabled:          true,
		},
		{
			ID:               uuid.New(),
			EventType:        "chat.message_received",
			NotificationType: "NEW_MESSAGE",
			Priority:         model.PriorityHigh,
			Channels:         []string{model.ChannelInApp, model.ChannelPush, model.ChannelRealtime},
			TitleTemplate:    "New message",
			BodyTemplate:     "{{senderName}} sent you a message.",
			Enabled:          true,
		},
		{
			ID:               uuid.New(),
			EventType:        "marketplace.app_installed",
			NotificationType: "APP_INSTALLED",
			Priority:         model.PriorityLow,
			Channels:         []string{model.ChannelInApp},
			TitleTemplate:    "App installed",
			BodyTemplate:     "{{appName}} was added to your workspace.",
			Enabled:          true,
		},
		{
			ID:               uuid.New(),
			EventType:        "transcription.completed",
			NotificationType: "TRANSCRIPT_READY",
			Priority:         model.PriorityNormal,
			Channels:         []string{model.ChannelInApp, model.ChannelEmail},
			TitleTemplate:    "Transcript ready",
			BodyTemplate:     "Your transcript for {{sessionId}} is ready to view.",
			Enabled:          true,
		},
	}
}

// ForEventType returns the enabled rules matching an event type.
func (rs *RuleSet) ForEventType(eventType string) []*model.MappingRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	rules := rs.byEventType[eventType]
	out := make([]*model.MappingRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Reload replaces the catalog with the enabled rules from the store. An empty
// store keeps the current catalog, so a missing table never blanks routing.
func (rs *RuleSet) Reload(ctx context.Context, repo repository.MappingRuleRepository) error {
	rules, err := repo.ListEnabled(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	rs.replace(rules)
	return nil
}

func (rs *RuleSet) replace(rules []*model.MappingRule) {
	byType := make(map[string][]*model.MappingRule, len(rules))
	for _, r := range rules {
		byType[r.EventType] = append(byType[r.EventType], r)
	}

	rs.mu.Lock()
	rs.byEventType = byType
	rs.mu.Unlock()
}

package notification

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriva/events-api/internal/model"
)

type fakeRuleRepo struct {
	rules []*model.MappingRule
	err   error
}

func (r *fakeRuleRepo) ListEnabled(context.Context) ([]*model.MappingRule, error) {
	return r.rules, r.err
}

func TestDefaultRulesCoverCoreEvents(t *testing.T) {
	rs := NewRuleSet(DefaultRules())

	for eventType, notificationType := range map[string]string{
		"session.started":           "SESSION_REMINDER",
		"session.ended":             "SESSION_SUMMARY",
		"chat.message_received":     "NEW_MESSAGE",
		"marketplace.app_installed": "APP_INSTALLED",
		"transcription.completed":   "TRANSCRIPT_READY",
	} {
		rules := rs.ForEventType(eventType)
		require.Len(t, rules, 1, "event type %s", eventType)
		assert.Equal(t, notificationType, rules[0].NotificationType)
	}

	assert.Empty(t, rs.ForEventType("billing.invoice_paid"))
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	rs := NewRuleSet([]*model.MappingRule{
		{
			ID:               uuid.New(),
			EventType:        "session.started",
			NotificationType: "SESSION_REMINDER",
			Channels:         []string{model.ChannelInApp},
			Enabled:          false,
		},
	})

	assert.Empty(t, rs.ForEventType("session.started"))
}

func TestReloadReplacesCatalog(t *testing.T) {
	rs := NewRuleSet(DefaultRules())

	repo := &fakeRuleRepo{rules: []*model.MappingRule{
		{
			ID:               uuid.New(),
			EventType:        "billing.invoice_paid",
			NotificationType: "INVOICE_PAID",
			Channels:         []string{model.ChannelEmail},
			Enabled:          true,
		},
	}}
	require.NoError(t, rs.Reload(context.Background(), repo))

	assert.Len(t, rs.ForEventType("billing.invoice_paid"), 1)
	assert.Empty(t, rs.ForEventType("session.started"), "reload replaces wholesale")
}

func TestReloadKeepsCatalogWhenStoreIsEmpty(t *testing.T) {
	rs := NewRuleSet(DefaultRules())

	require.NoError(t, rs.Reload(context.Background(), &fakeRuleRepo{}))
	assert.Len(t, rs.ForEventType("session.started"), 1, "empty store never blanks routing")
}

package postgres

import (
	"context"
	"fmt"

	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository"
)

type mappingRuleRepository struct {
	BaseRepository
}

func NewMappingRuleRepository(base BaseRepository) repository.MappingRuleRepository {
	return &mappingRuleRepository{base}
}

func (r *mappingRuleRepository) ListEnabled(ctx context.Context) ([]*model.MappingRule, error) {
	query := `
		SELECT id, event_type, notification_type, priority, channels,
		       title_template, body_template, enabled
		FROM notification_mapping_rules
		WHERE enabled = true
		ORDER BY event_type
	`
	var rules []*model.MappingRule
	if err := r.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("failed to list mapping rules: %w", err)
	}
	return rules, nil
}

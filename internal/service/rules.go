package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// RuleChange is published on kestrel.rule.changed.
type RuleChange struct {
	Action string       `json:"action"`
	Rule   *domain.Rule `json:"rule"`
}

// CreateRule registers and stores a new rule.
func (s *Service) CreateRule(ctx context.Context, rule *domain.Rule) (*domain.Rule, error) {
	id, err := s.registry.Create(rule)
	if err != nil {
		return nil, err
	}
	created, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.commitRule(ctx, "created", created); err != nil {
		return nil, err
	}
	return created, nil
}

// SetRuleStatus enables or disables a rule.
func (s *Service) SetRuleStatus(ctx context.Context, id string, status domain.RuleStatus) (*domain.Rule, error) {
	rule, err := s.registry.SetStatus(id, status)
	if err != nil {
		return nil, err
	}
	if err := s.commitRule(ctx, "status", rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// AdjustRuleThreshold changes a rule's risk threshold.
func (s *Service) AdjustRuleThreshold(ctx context.Context, id string, threshold int) (*domain.Rule, error) {
	rule, err := s.registry.AdjustThreshold(id, threshold)
	if err != nil {
		return nil, err
	}
	if err := s.commitRule(ctx, "threshold", rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Rule returns a rule by id.
func (s *Service) Rule(id string) (*domain.Rule, error) {
	return s.registry.Get(id)
}

// Rules lists rules matching f in creation order.
func (s *Service) Rules(f rules.RuleFilter) []*domain.Rule {
	return s.registry.List(f)
}

func (s *Service) commitRule(ctx context.Context, action string, rule *domain.Rule) error {
	if err := s.repo.SaveRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	s.publish(ctx, domain.TopicRuleChanged, RuleChange{Action: action, Rule: rule})

	slog.Info("rule changed",
		"rule_id", rule.ID,
		"action", action,
		"status", rule.Status,
		"risk_threshold", rule.RiskThreshold,
	)
	return nil
}

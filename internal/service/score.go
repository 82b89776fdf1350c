package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScoreOutcome is the result of scoring a stored transaction.
type ScoreOutcome struct {
	Result      *domain.ScoreResult `json:"result"`
	Alert       *domain.Alert       `json:"alert,omitempty"`
	AlertAction alerts.Action       `json:"alertAction"`
}

// Score scores a stored transaction, raises or updates its alert and appends
// the result to the evaluation log. Scoring the same transaction again is
// safe: trigger counts move only on the first firing and an unchanged
// result leaves the alert untouched.
func (s *Service) Score(ctx context.Context, txID string) (*ScoreOutcome, error) {
	ctx, span := tracer.Start(ctx, "service.Score",
		trace.WithAttributes(attribute.String("tx.id", txID)),
	)
	defer span.End()

	out, err := s.score(ctx, txID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("score.composite", out.Result.CompositeScore),
		attribute.Int("score.fired_rules", len(out.Result.FiredRules)),
		attribute.String("alert.action", string(out.AlertAction)),
	)
	return out, nil
}

func (s *Service) score(ctx context.Context, txID string) (*ScoreOutcome, error) {
	tx, err := s.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Score(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("scoring failed: %w", err)
	}

	outcome, err := s.alerts.Process(result)
	if err != nil {
		return nil, fmt.Errorf("alert processing failed: %w", err)
	}

	if err := s.repo.SaveScoreResult(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to save score result: %w", err)
	}
	if outcome.Changed() {
		if err := s.repo.SaveAlert(ctx, outcome.Alert); err != nil {
			return nil, fmt.Errorf("failed to save alert: %w", err)
		}
	}
	s.persistTriggerCounts(ctx, result.FiredRules)

	s.publish(ctx, domain.TopicScoreResult, result)
	if outcome.Changed() {
		s.publish(ctx, domain.TopicAlert, outcome)
	}

	slog.Info("transaction scored",
		"tx_id", txID,
		"composite_score", result.CompositeScore,
		"triggered_rule", result.TriggeredRuleID(),
		"fired_rules", len(result.FiredRules),
		"alert_action", outcome.Action,
	)

	return &ScoreOutcome{
		Result:      result,
		Alert:       outcome.Alert,
		AlertAction: outcome.Action,
	}, nil
}

// persistTriggerCounts writes the current counters of the fired rules.
func (s *Service) persistTriggerCounts(ctx context.Context, fired []domain.FiredRule) {
	for _, fr := range fired {
		rule, err := s.registry.Get(fr.RuleID)
		if err != nil {
			continue
		}
		if err := s.repo.SaveRule(ctx, rule); err != nil {
			slog.Warn("failed to persist trigger count",
				"rule_id", fr.RuleID,
				"error", err,
			)
		}
	}
}

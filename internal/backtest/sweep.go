package backtest

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sweep simulates replacing the value of one condition of a live rule with
// each of values in turn. It is typically used to tune a numeric cutoff
// such as an amount limit.
func (s *Simulator) Sweep(ctx context.Context, ruleID string, conditionIndex int, values []string, corpus []domain.LabeledTransaction) ([]domain.SweepPoint, error) {
	base := config{rules: s.rules.Snapshot(), threshold: s.threshold}

	i := indexOf(base.rules, ruleID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, ruleID)
	}
	rule := base.rules[i].Rule
	if conditionIndex < 0 || conditionIndex >= len(rule.Conditions) {
		return nil, fmt.Errorf("%w: rule %s has no condition %d", domain.ErrConfiguration, ruleID, conditionIndex)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no sweep values", domain.ErrConfiguration)
	}

	points := make([]domain.SweepPoint, 0, len(values))
	for _, v := range values {
		variant := rule.Clone()
		variant.Conditions[conditionIndex].Value = v
		cand := domain.Candidate{Kind: domain.CandidateRule, Rule: variant}

		proposed, err := s.apply(base, cand)
		if err != nil {
			return nil, fmt.Errorf("sweep value %q: %w", v, err)
		}
		res, err := s.run(ctx, cand, base, proposed, corpus)
		if err != nil {
			return nil, err
		}
		points = append(points, domain.SweepPoint{Value: v, Result: res})
	}
	return points, nil
}

// BestSweepPoint returns the point with the largest detection-rate gain
// whose false-positive-rate increase stays within maxFPRDelta. Ties go to
// the smaller false-positive increase, then to the earlier point. It
// returns false when no point fits the budget.
func BestSweepPoint(points []domain.SweepPoint, maxFPRDelta float64) (domain.SweepPoint, bool) {
	var best domain.SweepPoint
	found := false
	for _, p := range points {
		if p.Result == nil || p.Result.FalsePositiveRateDelta > maxFPRDelta {
			continue
		}
		if !found {
			best, found = p, true
			continue
		}
		r, b := p.Result, best.Result
		if r.DetectionRateDelta > b.DetectionRateDelta ||
			(r.DetectionRateDelta == b.DetectionRateDelta && r.FalsePositiveRateDelta < b.FalsePositiveRateDelta) {
			best = p
		}
	}
	return best, found
}

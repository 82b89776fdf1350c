// Package backtest replays a labeled corpus against the live rule set and a
// proposed change to it.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// checkEvery is how many transactions are scanned between cancellation
// checks.
const checkEvery = 256

// RuleSource provides the rule snapshot a simulation starts from.
type RuleSource interface {
	Snapshot() []*rules.CompiledRule
	Evaluator() *rules.Evaluator
}

// Simulator runs what-if evaluations. It only reads the rule source: trigger
// counts, alerts and the registry itself are never touched.
type Simulator struct {
	rules     RuleSource
	threshold int
}

// NewSimulator creates a simulator flagging transactions whose composite
// score reaches alertThreshold.
func NewSimulator(rs RuleSource, alertThreshold int) *Simulator {
	return &Simulator{rules: rs, threshold: alertThreshold}
}

// config is one rule configuration under test.
type config struct {
	rules     []*rules.CompiledRule
	threshold int
}

// Simulate compares the live configuration with the candidate over corpus.
// The scan is sequential so results are reproducible; ctx is checked every
// 256 transactions.
func (s *Simulator) Simulate(ctx context.Context, cand domain.Candidate, corpus []domain.LabeledTransaction) (*domain.BacktestResult, error) {
	base := config{rules: s.rules.Snapshot(), threshold: s.threshold}

	proposed, err := s.apply(base, cand)
	if err != nil {
		return nil, err
	}

	return s.run(ctx, cand, base, proposed, corpus)
}

func (s *Simulator) run(ctx context.Context, cand domain.Candidate, base, proposed config, corpus []domain.LabeledTransaction) (*domain.BacktestResult, error) {
	ev := s.rules.Evaluator()
	result := &domain.BacktestResult{
		Candidate:       cand,
		NewlyFlagged:    []string{},
		NoLongerFlagged: []string{},
	}

	for i, lt := range corpus {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("backtest cancelled after %d transactions: %w", i, err)
			}
		}
		if lt.Transaction == nil {
			continue
		}

		before := flagged(ev, base, lt.Transaction, &result.Baseline)
		after := flagged(ev, proposed, lt.Transaction, &result.Proposed)
		classify(&result.Baseline, before, lt.Label)
		classify(&result.Proposed, after, lt.Label)

		switch {
		case after && !before:
			result.NewlyFlagged = append(result.NewlyFlagged, lt.Transaction.ID)
		case before && !after:
			result.NoLongerFlagged = append(result.NoLongerFlagged, lt.Transaction.ID)
		}
		result.Scanned++
	}

	warnEvaluationErrors("baseline", result.Baseline.EvaluationErrors)
	warnEvaluationErrors("candidate", result.Proposed.EvaluationErrors)

	result.Baseline.ComputeRates()
	result.Proposed.ComputeRates()
	result.DetectionRateDelta = result.Proposed.DetectionRate - result.Baseline.DetectionRate
	result.FalsePositiveRateDelta = result.Proposed.FalsePositiveRate - result.Baseline.FalsePositiveRate

	slog.Info("backtest completed",
		"kind", cand.Kind,
		"scanned", result.Scanned,
		"detection_rate_delta", result.DetectionRateDelta,
		"false_positive_rate_delta", result.FalsePositiveRateDelta,
	)

	return result, nil
}

// flagged reports whether tx reaches the alert threshold under cfg. Only
// the rules are consulted; the baseline model is not part of a backtest. A
// rule that fails to evaluate is counted in m and treated as not fired.
func flagged(ev *rules.Evaluator, cfg config, tx *domain.Transaction, m *domain.Metrics) bool {
	sum := 0
	for _, cr := range cfg.rules {
		if cr.Rule.Status != domain.RuleActive {
			continue
		}
		fired, err := ev.EvaluateCompiled(cr, tx)
		if err != nil {
			if m.EvaluationErrors == nil {
				m.EvaluationErrors = make(map[string]int)
			}
			if m.EvaluationErrors[cr.Rule.ID] == 0 {
				slog.Debug("rule evaluation failed",
					"rule_id", cr.Rule.ID,
					"tx_id", tx.ID,
					"error", err,
				)
			}
			m.EvaluationErrors[cr.Rule.ID]++
			continue
		}
		if !fired {
			continue
		}
		sum += cr.Rule.RiskThreshold
	}
	if sum == 0 {
		return false
	}
	return domain.ClampScore(sum) >= cfg.threshold
}

// warnEvaluationErrors logs one warning per rule that failed during a run.
func warnEvaluationErrors(config string, counts map[string]int) {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		slog.Warn("rule failed to evaluate during backtest",
			"config", config,
			"rule_id", id,
			"transactions", counts[id],
		)
	}
}

func classify(m *domain.Metrics, isFlagged bool, label domain.TransactionStatus) {
	if isFlagged {
		m.Flagged++
	}
	switch label {
	case domain.StatusFraud:
		if isFlagged {
			m.Buckets.Detected++
		} else {
			m.Buckets.Missed++
		}
	case domain.StatusGenuine:
		if isFlagged {
			m.Buckets.FalsePositive++
		} else {
			m.Buckets.TrueNegative++
		}
	default:
		m.Buckets.Unlabeled++
	}
}

// apply derives the candidate configuration from base. base is not modified.
func (s *Simulator) apply(base config, cand domain.Candidate) (config, error) {
	out := config{
		rules:     append([]*rules.CompiledRule(nil), base.rules...),
		threshold: base.threshold,
	}

	switch cand.Kind {
	case domain.CandidateRule:
		if cand.Rule == nil {
			return out, fmt.Errorf("%w: candidate rule is required", domain.ErrConfiguration)
		}
		cr, err := s.compile(cand.Rule)
		if err != nil {
			return out, err
		}
		if i := indexOf(out.rules, cr.Rule.ID); i >= 0 {
			out.rules[i] = cr
		} else {
			out.rules = append(out.rules, cr)
		}

	case domain.CandidateRuleThreshold:
		if !domain.ValidThreshold(cand.RiskThreshold) {
			return out, fmt.Errorf("%w: got %d", domain.ErrInvalidThreshold, cand.RiskThreshold)
		}
		i := indexOf(out.rules, cand.RuleID)
		if i < 0 {
			return out, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, cand.RuleID)
		}
		out.rules[i] = out.rules[i].WithThreshold(cand.RiskThreshold)

	case domain.CandidateRuleStatus:
		if cand.Status != domain.RuleActive && cand.Status != domain.RuleDisabled {
			return out, fmt.Errorf("%w: unknown rule status %q", domain.ErrConfiguration, cand.Status)
		}
		i := indexOf(out.rules, cand.RuleID)
		if i < 0 {
			return out, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, cand.RuleID)
		}
		out.rules[i] = out.rules[i].WithStatus(cand.Status)

	case domain.CandidateAlertThreshold:
		if !domain.ValidThreshold(cand.AlertThreshold) {
			return out, fmt.Errorf("%w: got %d", domain.ErrInvalidThreshold, cand.AlertThreshold)
		}
		out.threshold = cand.AlertThreshold

	default:
		return out, fmt.Errorf("%w: unknown candidate kind %q", domain.ErrConfiguration, cand.Kind)
	}

	return out, nil
}

// compile validates a candidate rule the way the registry would.
func (s *Simulator) compile(rule *domain.Rule) (*rules.CompiledRule, error) {
	rule = rule.Clone()
	if rule.ID == "" {
		rule.ID = "candidate"
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if rule.Status == "" {
		rule.Status = domain.RuleActive
	}
	if !domain.ValidThreshold(rule.RiskThreshold) {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidThreshold, rule.RiskThreshold)
	}
	return s.rules.Evaluator().Compile(rule)
}

func indexOf(rs []*rules.CompiledRule, id string) int {
	for i, cr := range rs {
		if cr.Rule.ID == id {
			return i
		}
	}
	return -1
}

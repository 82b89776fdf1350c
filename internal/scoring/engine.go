// Package scoring turns rule outcomes into a composite risk score.
package scoring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// RuleSet is the view of the rule registry the engine needs.
type RuleSet interface {
	Active() []*rules.CompiledRule
	Evaluator() *rules.Evaluator
	IncrementTriggerCount(id string) (int64, error)
}

// Baseline supplies a risk score for transactions no rule flags.
type Baseline interface {
	Score(ctx context.Context, tx *domain.Transaction) (int, error)
}

// BaselineFunc adapts a function to Baseline.
type BaselineFunc func(ctx context.Context, tx *domain.Transaction) (int, error)

// Score calls f.
func (f BaselineFunc) Score(ctx context.Context, tx *domain.Transaction) (int, error) {
	return f(ctx, tx)
}

// Engine scores transactions against the active rules.
type Engine struct {
	rules      RuleSet
	baseline   Baseline
	ledger     *Ledger
	maxWorkers int
	now        func() time.Time
}

// NewEngine creates a scoring engine. baseline may be nil, in which case a
// transaction no rule flags scores 0.
func NewEngine(rs RuleSet, baseline Baseline, maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Engine{
		rules:      rs,
		baseline:   baseline,
		ledger:     NewLedger(),
		maxWorkers: maxWorkers,
		now:        time.Now,
	}
}

// Ledger returns the trigger-count ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

type outcome struct {
	fired bool
	err   error
}

// Score evaluates every active rule against tx and reduces the outcomes:
// the composite score is the sum of the firing rules' thresholds capped at
// 100, and the triggered rule is the firing rule with the highest threshold,
// ties going to the earliest created. Rules that fail to evaluate are skipped
// and reported in Warnings.
//
// Trigger counts increment only on a transaction's first scoring. Scoring it
// again, even after rules were added or enabled, never moves a counter.
func (e *Engine) Score(ctx context.Context, tx *domain.Transaction) (*domain.ScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	active := e.rules.Active()
	ev := e.rules.Evaluator()

	// Parallel evaluation; results are slotted by index so the reduction
	// below sees creation order regardless of completion order.
	outcomes := make([]outcome, len(active))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, cr := range active {
		wg.Add(1)
		go func(idx int, r *rules.CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			fired, err := ev.EvaluateCompiled(r, tx)
			outcomes[idx] = outcome{fired: fired, err: err}
		}(i, cr)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &domain.ScoreResult{
		TransactionID: tx.ID,
		FiredRules:    []domain.FiredRule{},
		EvaluatedAt:   e.now().UTC(),
	}

	sum := 0
	for i, o := range outcomes {
		r := active[i].Rule
		if o.err != nil {
			slog.Warn("rule evaluation failed",
				"rule_id", r.ID,
				"tx_id", tx.ID,
				"error", o.err,
			)
			result.Warnings = append(result.Warnings, o.err.Error())
			continue
		}
		if !o.fired {
			continue
		}

		fr := domain.FiredRule{RuleID: r.ID, Name: r.Name, RiskThreshold: r.RiskThreshold}
		result.FiredRules = append(result.FiredRules, fr)
		sum += r.RiskThreshold

		// Strictly greater keeps the earliest rule on ties.
		if result.TriggeredRule == nil || fr.RiskThreshold > result.TriggeredRule.RiskThreshold {
			t := fr
			result.TriggeredRule = &t
		}
	}

	if len(result.FiredRules) > 0 {
		result.CompositeScore = domain.ClampScore(sum)
	} else {
		result.CompositeScore = e.baselineScore(ctx, tx, result)
	}

	e.countTriggers(tx.ID, result.FiredRules)

	return result, nil
}

func (e *Engine) baselineScore(ctx context.Context, tx *domain.Transaction, result *domain.ScoreResult) int {
	if e.baseline == nil {
		return 0
	}
	score, err := e.baseline.Score(ctx, tx)
	if err != nil {
		slog.Warn("baseline model failed",
			"tx_id", tx.ID,
			"error", err,
		)
		result.Warnings = append(result.Warnings, "baseline: "+err.Error())
		return 0
	}
	result.BaselineApplied = true
	return domain.ClampScore(score)
}

func (e *Engine) countTriggers(txID string, fired []domain.FiredRule) {
	if !e.ledger.Mark(txID) {
		return
	}
	for _, fr := range fired {
		if _, err := e.rules.IncrementTriggerCount(fr.RuleID); err != nil {
			// The rule was deleted between evaluation and counting.
			slog.Warn("failed to increment trigger count",
				"rule_id", fr.RuleID,
				"tx_id", txID,
				"error", err,
			)
		}
	}
}

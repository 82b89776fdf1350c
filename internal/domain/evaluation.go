package domain

import (
	"time"
)

// FiredRule identifies a rule that fired for a transaction.
type FiredRule struct {
	RuleID        string `json:"ruleId"`
	Name          string `json:"name"`
	RiskThreshold int    `json:"riskThreshold"`
}

// ScoreResult is the outcome of scoring one transaction. It is recomputed on
// every scoring and appended to the evaluation log, never updated.
type ScoreResult struct {
	TransactionID  string `json:"transactionId"`
	CompositeScore int    `json:"compositeScore"`

	// TriggeredRule is the highest-threshold rule that fired, nil if none.
	TriggeredRule *FiredRule `json:"triggeredRule,omitempty"`

	// FiredRules lists every firing rule in creation order.
	FiredRules []FiredRule `json:"firedRules"`

	// BaselineApplied is set when no rule fired and the composite score came
	// from the baseline risk model.
	BaselineApplied bool `json:"baselineApplied,omitempty"`

	// Warnings records rules skipped because they failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// TriggeredRuleID returns the id of the triggered rule or "".
func (s *ScoreResult) TriggeredRuleID() string {
	if s.TriggeredRule == nil {
		return ""
	}
	return s.TriggeredRule.RuleID
}

// ClampScore bounds a score to [0, 100].
func ClampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

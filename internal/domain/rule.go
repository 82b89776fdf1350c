package domain

import (
	"time"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq       Operator = "="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpLt       Operator = "<"
	OpGte      Operator = ">="
	OpLte      Operator = "<="
	OpContains Operator = "contains"
	OpIn       Operator = "in"
)

// Valid reports whether op is one of the supported operators.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpContains, OpIn:
		return true
	}
	return false
}

// Combiner joins a condition to the result accumulated so far.
type Combiner string

const (
	CombineAnd Combiner = "AND"
	CombineOr  Combiner = "OR"
)

// Condition is a single field/operator/value predicate. Value is kept as
// written and coerced to the field's type when the rule is compiled.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// RuleCondition pairs a condition with the combiner that joins it to the
// previous ones. The first condition of a rule has no combiner.
type RuleCondition struct {
	Condition
	Combiner Combiner `json:"combiner,omitempty"`
}

// RuleStatus controls whether the scoring engine evaluates a rule.
type RuleStatus string

const (
	RuleActive   RuleStatus = "Active"
	RuleDisabled RuleStatus = "Disabled"
)

// Rule is a fraud detection rule. RiskThreshold is the score the rule
// contributes when it fires; the alert cutoff is a separate global setting.
type Rule struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Conditions    []RuleCondition `json:"conditions"`
	RiskThreshold int             `json:"riskThreshold"`
	Status        RuleStatus      `json:"status"`
	CreatedBy     string          `json:"createdBy"`
	CreatedAt     time.Time       `json:"createdAt"`

	// Sequence records registry insertion order and breaks CreatedAt ties.
	Sequence int64 `json:"sequence"`

	// TriggerCount is only ever incremented by the scoring engine.
	TriggerCount int64 `json:"triggerCount"`
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	cp := *r
	cp.Conditions = append([]RuleCondition(nil), r.Conditions...)
	return &cp
}

// Before reports whether r was created before other: earlier CreatedAt wins,
// then lower Sequence.
func (r *Rule) Before(other *Rule) bool {
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.Before(other.CreatedAt)
	}
	return r.Sequence < other.Sequence
}

// RiskLevel buckets rules by their risk threshold.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// RiskLevel returns high for thresholds of 80 and above, medium for 60-79
// and low below 60.
func (r *Rule) RiskLevel() RiskLevel {
	switch {
	case r.RiskThreshold >= 80:
		return RiskHigh
	case r.RiskThreshold >= 60:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ValidThreshold reports whether n is an acceptable risk threshold.
func ValidThreshold(n int) bool {
	return n >= 0 && n <= 100
}

package domain

// CandidateKind identifies the kind of change a backtest evaluates.
type CandidateKind string

const (
	CandidateRule           CandidateKind = "rule"
	CandidateRuleThreshold  CandidateKind = "rule_threshold"
	CandidateRuleStatus     CandidateKind = "rule_status"
	CandidateAlertThreshold CandidateKind = "alert_threshold"
)

// Candidate is a proposed change to the live rule configuration.
type Candidate struct {
	Kind CandidateKind `json:"kind"`

	// Rule is the new or replacement rule for CandidateRule.
	Rule *Rule `json:"rule,omitempty"`

	// RuleID selects the rule for threshold and status changes.
	RuleID string `json:"ruleId,omitempty"`

	RiskThreshold  int        `json:"riskThreshold,omitempty"`
	Status         RuleStatus `json:"status,omitempty"`
	AlertThreshold int        `json:"alertThreshold,omitempty"`
}

// Buckets counts transactions by flag outcome and ground truth.
type Buckets struct {
	Detected      int `json:"detected"`
	Missed        int `json:"missed"`
	FalsePositive int `json:"falsePositive"`
	TrueNegative  int `json:"trueNegative"`
	Unlabeled     int `json:"unlabeled"`
}

// Metrics summarises one rule configuration over a corpus.
type Metrics struct {
	DetectionRate     float64 `json:"detectionRate"`
	FalsePositiveRate float64 `json:"falsePositiveRate"`
	Flagged           int     `json:"flagged"`
	Buckets           Buckets `json:"buckets"`

	// EvaluationErrors counts, per rule id, the transactions the rule could
	// not be evaluated against. Such a rule contributes nothing to them.
	EvaluationErrors map[string]int `json:"evaluationErrors,omitempty"`
}

// ComputeRates fills the rates from the bucket counts. Rates are 0 when the
// denominator is empty.
func (m *Metrics) ComputeRates() {
	b := m.Buckets
	if n := b.Detected + b.Missed; n > 0 {
		m.DetectionRate = float64(b.Detected) / float64(n)
	}
	if n := b.FalsePositive + b.TrueNegative; n > 0 {
		m.FalsePositiveRate = float64(b.FalsePositive) / float64(n)
	}
}

// BacktestResult compares the live configuration with a candidate.
type BacktestResult struct {
	Candidate Candidate `json:"candidate"`
	Baseline  Metrics   `json:"baseline"`
	Proposed  Metrics   `json:"candidateMetrics"`

	DetectionRateDelta     float64 `json:"detectionRateDelta"`
	FalsePositiveRateDelta float64 `json:"falsePositiveRateDelta"`

	// NewlyFlagged and NoLongerFlagged list transaction ids whose flag
	// outcome changed, in corpus order.
	NewlyFlagged    []string `json:"newlyFlagged"`
	NoLongerFlagged []string `json:"noLongerFlagged"`

	Scanned int `json:"scanned"`
}

// SweepPoint is one candidate value of a threshold sweep.
type SweepPoint struct {
	Value  string          `json:"value"`
	Result *BacktestResult `json:"result"`
}

package domain

import "time"

// AnomalyDetection is reported as the triggered rule of an alert raised by
// the baseline risk model rather than by a rule.
const AnomalyDetection = "Anomaly Detection"

// Alert flags a transaction whose composite score crossed the alert
// threshold. At most one unreviewed alert exists per transaction.
type Alert struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transactionId"`
	RiskScore     int               `json:"riskScore"`
	TriggeredRule string            `json:"triggeredRule"`
	DetectedAt    time.Time         `json:"detectedAt"`
	Reviewed      bool              `json:"reviewed"`
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Open reports whether the alert still awaits review.
func (a *Alert) Open() bool {
	return !a.Reviewed
}

// Severity is derived from the alert score at read time.
func (a *Alert) Severity() Severity {
	return SeverityFor(a.RiskScore)
}

// Severity classifies alerts for display.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
)

// SeverityFor maps a score to Critical (>=85), High (65-84) or Medium (<65).
func SeverityFor(score int) Severity {
	switch {
	case score >= 85:
		return SeverityCritical
	case score >= 65:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// ParseSeverity accepts the severity names case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "critical", "Critical":
		return SeverityCritical, true
	case "high", "High":
		return SeverityHigh, true
	case "medium", "Medium":
		return SeverityMedium, true
	}
	return "", false
}

package domain

import "time"

// TransactionStatus is the moderation state of a transaction.
type TransactionStatus string

const (
	StatusPending TransactionStatus = "Pending"
	StatusFraud   TransactionStatus = "Fraud"
	StatusGenuine TransactionStatus = "Genuine"
	StatusUnknown TransactionStatus = "Unknown"
)

// Terminal reports whether s ends the moderation workflow.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusFraud, StatusGenuine, StatusUnknown:
		return true
	}
	return false
}

// ParseStatus accepts the status names used by the API and the corpus files.
func ParseStatus(s string) (TransactionStatus, bool) {
	switch s {
	case "Pending", "pending", "PENDING":
		return StatusPending, true
	case "Fraud", "fraud", "FRAUD":
		return StatusFraud, true
	case "Genuine", "genuine", "GENUINE":
		return StatusGenuine, true
	case "Unknown", "unknown", "UNKNOWN":
		return StatusUnknown, true
	}
	return "", false
}

// Decision is an append-only moderation record.
type Decision struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transactionId"`
	Decision      TransactionStatus `json:"decision"`
	Moderator     string            `json:"moderator"`
	Comment       string            `json:"comment"`
	Timestamp     time.Time         `json:"timestamp"`
}

// DecisionPolicy selects how repeated decisions are handled.
type DecisionPolicy string

const (
	// PolicyAppend keeps every decision; the latest one is current.
	PolicyAppend DecisionPolicy = "append"

	// PolicyFinal rejects any decision after the first.
	PolicyFinal DecisionPolicy = "final"
)

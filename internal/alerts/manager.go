// Package alerts raises and tracks alerts for high-risk transactions.
package alerts

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stripe"
)

// Action describes what Process did.
type Action string

const (
	ActionNone    Action = "none"
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Outcome is the result of processing one score result.
type Outcome struct {
	// Alert is the created or updated alert, or the untouched open alert
	// when nothing changed. Nil when the transaction has no open alert.
	Alert  *domain.Alert `json:"alert,omitempty"`
	Action Action        `json:"action"`
}

// Changed reports whether the alert needs persisting.
func (o Outcome) Changed() bool {
	return o.Action == ActionCreated || o.Action == ActionUpdated
}

// StatusSource reports the moderation state of a transaction.
type StatusSource interface {
	CurrentState(txID string) domain.TransactionStatus
}

// Manager owns alerts. For any transaction at most one alert is open
// (unreviewed) at a time. Alerts are replaced on change, never mutated, so
// readers holding an older copy are unaffected.
type Manager struct {
	threshold int
	locks     *stripe.Locks
	now       func() time.Time
	status    StatusSource

	mu   sync.RWMutex
	byID map[string]*domain.Alert
	byTx map[string][]*domain.Alert
}

// NewManager creates a manager raising alerts at or above threshold.
func NewManager(threshold int) *Manager {
	return &Manager{
		threshold: domain.ClampScore(threshold),
		locks:     stripe.New(stripe.DefaultStripes),
		now:       time.Now,
		byID:      make(map[string]*domain.Alert),
		byTx:      make(map[string][]*domain.Alert),
	}
}

// SetStatusSource makes new alerts start in the transaction's current
// moderation state instead of PENDING. Call it before the manager is shared.
func (m *Manager) SetStatusSource(src StatusSource) {
	m.status = src
}

// Threshold returns the global alert threshold.
func (m *Manager) Threshold() int {
	return m.threshold
}

// Process creates or updates the transaction's alert from a score result.
//
// At or above the threshold an open alert is updated in place, or created
// when none is open. A result identical to the open alert (same score and
// triggered rule) changes nothing. Below the threshold nothing changes: an
// open alert stays open until a moderator reviews it.
func (m *Manager) Process(result *domain.ScoreResult) (Outcome, error) {
	if result == nil || result.TransactionID == "" {
		return Outcome{Action: ActionNone}, fmt.Errorf("%w: score result with transaction id is required", domain.ErrConfiguration)
	}
	txID := result.TransactionID

	unlock := m.locks.Lock(txID)
	defer unlock()

	open := m.openFor(txID)

	if result.CompositeScore < m.threshold {
		return Outcome{Alert: cloneAlert(open), Action: ActionNone}, nil
	}

	triggered := triggeredLabel(result)
	detected := result.EvaluatedAt
	if detected.IsZero() {
		detected = m.now().UTC()
	}

	if open != nil {
		if open.RiskScore == result.CompositeScore && open.TriggeredRule == triggered {
			return Outcome{Alert: cloneAlert(open), Action: ActionNone}, nil
		}

		updated := *open
		updated.RiskScore = result.CompositeScore
		updated.TriggeredRule = triggered
		updated.DetectedAt = detected
		updated.UpdatedAt = m.now().UTC()
		m.replace(&updated)

		slog.Info("alert updated",
			"alert_id", updated.ID,
			"tx_id", txID,
			"risk_score", updated.RiskScore,
			"previous_score", open.RiskScore,
		)
		return Outcome{Alert: cloneAlert(&updated), Action: ActionUpdated}, nil
	}

	status := domain.StatusPending
	if m.status != nil {
		status = m.status.CurrentState(txID)
	}

	now := m.now().UTC()
	alert := &domain.Alert{
		ID:            uuid.New().String(),
		TransactionID: txID,
		RiskScore:     result.CompositeScore,
		TriggeredRule: triggered,
		DetectedAt:    detected,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.insert(alert)

	slog.Info("alert created",
		"alert_id", alert.ID,
		"tx_id", txID,
		"risk_score", alert.RiskScore,
		"severity", alert.Severity(),
		"triggered_rule", alert.TriggeredRule,
	)
	return Outcome{Alert: cloneAlert(alert), Action: ActionCreated}, nil
}

// triggeredLabel names the cause of an alert: the triggered rule id, or
// AnomalyDetection when only the baseline model scored.
func triggeredLabel(result *domain.ScoreResult) string {
	if id := result.TriggeredRuleID(); id != "" {
		return id
	}
	if result.BaselineApplied {
		return domain.AnomalyDetection
	}
	return ""
}

// MarkReviewed closes the transaction's open alert with a terminal status.
// When no alert is open but an earlier one exists, its status is updated to
// mirror the revised decision. It returns ErrAlertNotFound when the
// transaction never had an alert.
func (m *Manager) MarkReviewed(txID string, status domain.TransactionStatus) (*domain.Alert, error) {
	return m.setStatus(txID, status, true)
}

// SyncStatus mirrors a workflow status onto the transaction's latest alert
// without changing whether it has been reviewed. Bootstrap uses it to repair
// alerts persisted before their decision.
func (m *Manager) SyncStatus(txID string, status domain.TransactionStatus) (*domain.Alert, error) {
	return m.setStatus(txID, status, false)
}

func (m *Manager) setStatus(txID string, status domain.TransactionStatus, review bool) (*domain.Alert, error) {
	unlock := m.locks.Lock(txID)
	defer unlock()

	target := m.openFor(txID)
	if target == nil {
		target = m.latest(txID)
	}
	if target == nil {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrAlertNotFound, txID)
	}

	updated := *target
	updated.Status = status
	if review {
		updated.Reviewed = true
	}
	if updated == *target {
		return cloneAlert(target), nil
	}
	updated.UpdatedAt = m.now().UTC()
	m.replace(&updated)

	return cloneAlert(&updated), nil
}

// Restore loads a persisted alert. It refuses a second open alert for the
// same transaction.
func (m *Manager) Restore(alert *domain.Alert) error {
	if alert == nil || alert.ID == "" || alert.TransactionID == "" {
		return fmt.Errorf("%w: alert id and transaction id are required", domain.ErrConfiguration)
	}

	unlock := m.locks.Lock(alert.TransactionID)
	defer unlock()

	m.mu.RLock()
	_, exists := m.byID[alert.ID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: alert %s", domain.ErrDuplicateID, alert.ID)
	}
	if alert.Open() && m.openFor(alert.TransactionID) != nil {
		return fmt.Errorf("%w: transaction %s already has an open alert", domain.ErrDuplicateID, alert.TransactionID)
	}

	m.insert(cloneAlert(alert))
	return nil
}

// Get returns the alert with the given id.
func (m *Manager) Get(id string) (*domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlertNotFound, id)
	}
	return cloneAlert(a), nil
}

// OpenFor returns the transaction's open alert, or nil.
func (m *Manager) OpenFor(txID string) *domain.Alert {
	return cloneAlert(m.openFor(txID))
}

// ForTransaction returns every alert raised for the transaction, oldest
// first.
func (m *Manager) ForTransaction(txID string) []*domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.byTx[txID]
	out := make([]*domain.Alert, len(history))
	for i, a := range history {
		out[i] = cloneAlert(a)
	}
	return out
}

// AlertFilter narrows List. Zero fields match everything.
type AlertFilter struct {
	Severity domain.Severity
	Reviewed *bool
}

func (f AlertFilter) match(a *domain.Alert) bool {
	if f.Severity != "" && a.Severity() != f.Severity {
		return false
	}
	if f.Reviewed != nil && a.Reviewed != *f.Reviewed {
		return false
	}
	return true
}

// List returns the alerts matching f, highest risk first. Ties are broken by
// most recent detection.
func (m *Manager) List(f AlertFilter) []*domain.Alert {
	m.mu.RLock()
	out := make([]*domain.Alert, 0, len(m.byID))
	for _, a := range m.byID {
		if f.match(a) {
			out = append(out, cloneAlert(a))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SeverityCounts counts open alerts by severity.
func (m *Manager) SeverityCounts() map[domain.Severity]int {
	counts := map[domain.Severity]int{
		domain.SeverityCritical: 0,
		domain.SeverityHigh:     0,
		domain.SeverityMedium:   0,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.byID {
		if a.Open() {
			counts[a.Severity()]++
		}
	}
	return counts
}

// Len returns the number of alerts, open or reviewed.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Manager) openFor(txID string) *domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.byTx[txID] {
		if a.Open() {
			return a
		}
	}
	return nil
}

func (m *Manager) latest(txID string) *domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.byTx[txID]
	if len(history) == 0 {
		return nil
	}
	return history[len(history)-1]
}

func (m *Manager) insert(a *domain.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[a.ID] = a
	m.byTx[a.TransactionID] = append(m.byTx[a.TransactionID], a)
}

func (m *Manager) replace(a *domain.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[a.ID] = a
	history := m.byTx[a.TransactionID]
	for i, old := range history {
		if old.ID == a.ID {
			history[i] = a
			return
		}
	}
}

func cloneAlert(a *domain.Alert) *domain.Alert {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

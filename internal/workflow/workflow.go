// Package workflow records moderator decisions on flagged transactions.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stripe"
)

// AlertReviewer closes a transaction's alert once it has been decided.
type AlertReviewer interface {
	MarkReviewed(txID string, status domain.TransactionStatus) (*domain.Alert, error)
}

// DecisionStore persists decisions.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d *domain.Decision) error
}

// Workflow owns the decision audit log.
//
// A transaction is Pending until its first decision. Every decision is
// terminal. Under PolicyAppend later decisions revise the state and the
// latest one is current; under PolicyFinal the first decision stands and
// later ones fail with ErrAlreadyDecided.
type Workflow struct {
	policy domain.DecisionPolicy
	alerts AlertReviewer
	store  DecisionStore
	locks  *stripe.Locks
	now    func() time.Time

	mu      sync.RWMutex
	history map[string][]*domain.Decision
	count   int
}

// New creates a workflow. alerts may be nil when no alert manager is wired.
func New(policy domain.DecisionPolicy, alerts AlertReviewer) *Workflow {
	if policy == "" {
		policy = domain.PolicyAppend
	}
	return &Workflow{
		policy:  policy,
		alerts:  alerts,
		locks:   stripe.New(stripe.DefaultStripes),
		now:     time.Now,
		history: make(map[string][]*domain.Decision),
	}
}

// SetStore makes RecordDecision save each decision before it joins the
// history. Call it before the workflow is shared.
func (w *Workflow) SetStore(store DecisionStore) {
	w.store = store
}

// Policy returns the configured decision policy.
func (w *Workflow) Policy() domain.DecisionPolicy {
	return w.policy
}

// RecordDecision appends a decision for the transaction and marks its alert
// reviewed. The decision must be Fraud, Genuine or Unknown and the
// moderator must be named. With a store set, the decision is saved first and
// a failed save leaves the history untouched.
func (w *Workflow) RecordDecision(ctx context.Context, txID string, decision domain.TransactionStatus, moderator, comment string) (*domain.Decision, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", domain.ErrConfiguration)
	}
	if !decision.Terminal() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidDecision, decision)
	}
	moderator = strings.TrimSpace(moderator)
	if moderator == "" {
		return nil, fmt.Errorf("%w: moderator is required", domain.ErrConfiguration)
	}

	unlock := w.locks.Lock(txID)
	defer unlock()

	if w.policy == domain.PolicyFinal {
		if prior := w.latest(txID); prior != nil {
			return nil, fmt.Errorf("%w: transaction %s is %s", domain.ErrAlreadyDecided, txID, prior.Decision)
		}
	}

	d := &domain.Decision{
		ID:            uuid.New().String(),
		TransactionID: txID,
		Decision:      decision,
		Moderator:     moderator,
		Comment:       comment,
		Timestamp:     w.now().UTC(),
	}
	if w.store != nil {
		if err := w.store.SaveDecision(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to save decision: %w", err)
		}
	}
	w.append(d)

	if w.alerts != nil {
		if _, err := w.alerts.MarkReviewed(txID, decision); err != nil && !errors.Is(err, domain.ErrAlertNotFound) {
			slog.Error("failed to mark alert reviewed",
				"tx_id", txID,
				"error", err,
			)
		}
	}

	slog.Info("decision recorded",
		"tx_id", txID,
		"decision", decision,
		"moderator", moderator,
	)

	c := *d
	return &c, nil
}

// CurrentState returns the latest decision's status, or Pending.
func (w *Workflow) CurrentState(txID string) domain.TransactionStatus {
	if d := w.latest(txID); d != nil {
		return d.Decision
	}
	return domain.StatusPending
}

// Latest returns the current decision, or nil while Pending.
func (w *Workflow) Latest(txID string) *domain.Decision {
	d := w.latest(txID)
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// History returns every decision for the transaction in the order recorded.
func (w *Workflow) History(txID string) []*domain.Decision {
	w.mu.RLock()
	defer w.mu.RUnlock()

	src := w.history[txID]
	out := make([]*domain.Decision, len(src))
	for i, d := range src {
		c := *d
		out[i] = &c
	}
	return out
}

// Restore replays a persisted decision. Decisions must be restored in the
// order they were recorded. Policy is not enforced on replay.
func (w *Workflow) Restore(d *domain.Decision) error {
	if d == nil || d.TransactionID == "" {
		return fmt.Errorf("%w: decision with transaction id is required", domain.ErrConfiguration)
	}
	if !d.Decision.Terminal() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidDecision, d.Decision)
	}

	unlock := w.locks.Lock(d.TransactionID)
	defer unlock()

	c := *d
	w.append(&c)
	return nil
}

// Len returns the total number of recorded decisions.
func (w *Workflow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

func (w *Workflow) latest(txID string) *domain.Decision {
	w.mu.RLock()
	defer w.mu.RUnlock()

	h := w.history[txID]
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}

func (w *Workflow) append(d *domain.Decision) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.history[d.TransactionID] = append(w.history[d.TransactionID], d)
	w.count++
}

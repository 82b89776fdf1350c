package scoring

import (
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Ledger remembers which transactions have already been scored. Trigger
// counts move only on a transaction's first scoring.
type Ledger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// Mark records the transaction and reports whether it was new.
func (l *Ledger) Mark(txID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[txID]; ok {
		return false
	}
	l.seen[txID] = struct{}{}
	return true
}

// Seed marks every transaction found in a persisted evaluation log without
// touching any counters.
func (l *Ledger) Seed(results []*domain.ScoreResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, res := range results {
		l.seen[res.TransactionID] = struct{}{}
	}
}

// Len returns the number of scored transactions.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

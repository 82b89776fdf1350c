// Package velocity computes per-user activity attributes at ingestion.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Attribute names produced by the service.
const (
	AttrCount1h  = "transaction_count_1hr"
	AttrAmount1h = "total_amount_1hr"
)

// DefaultWindow is the velocity window.
const DefaultWindow = time.Hour

// Service calculates transaction velocity for users.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
}

// NewService creates a new velocity service. Either dependency may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		window: DefaultWindow,
	}
}

// Attributes returns the velocity attributes of tx, counting tx itself. It
// must be called once per newly ingested transaction, before it is stored.
func (s *Service) Attributes(ctx context.Context, tx *domain.Transaction) (map[string]domain.AttributeValue, error) {
	if tx.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	since := tx.Timestamp.Add(-s.window)

	var history []*domain.Transaction
	if s.repo != nil {
		var err error
		history, err = s.repo.GetTransactionsByUser(ctx, tx.UserID, since)
		if err != nil {
			return nil, fmt.Errorf("failed to get transactions: %w", err)
		}
	}

	total := tx.Amount
	for _, h := range history {
		if h.Timestamp.After(tx.Timestamp) {
			continue
		}
		total = total.Add(h.Amount)
	}

	count, err := s.count(ctx, tx, history)
	if err != nil {
		return nil, err
	}

	return map[string]domain.AttributeValue{
		AttrCount1h:  domain.NumberValue(decimal.NewFromInt(count)),
		AttrAmount1h: domain.NumberValue(total),
	}, nil
}

// count prefers the cache's atomic window counter and falls back to the
// stored history.
func (s *Service) count(ctx context.Context, tx *domain.Transaction, history []*domain.Transaction) (int64, error) {
	if s.cache != nil {
		n, err := s.cache.IncrementCounter(ctx, "velocity:"+tx.UserID, s.window)
		if err != nil {
			return 0, fmt.Errorf("failed to increment velocity counter: %w", err)
		}
		return n, nil
	}

	n := int64(1)
	for _, h := range history {
		if !h.Timestamp.After(tx.Timestamp) {
			n++
		}
	}
	return n, nil
}

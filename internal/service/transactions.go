package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Ingest validates, enriches and stores a transaction from the feed.
// Transactions are immutable: a second ingestion of the same id fails with
// ErrDuplicateID.
func (s *Service) Ingest(ctx context.Context, req domain.TransactionRequest) (*domain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	tx, err := req.ToTransaction()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}

	if _, err := s.repo.GetTransaction(ctx, tx.ID); err == nil {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrDuplicateID, tx.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to check transaction: %w", err)
	}

	velocityAttrs, err := s.velocity.Attributes(ctx, tx)
	if err != nil {
		slog.Warn("velocity attributes unavailable",
			"tx_id", tx.ID,
			"error", err,
		)
	}
	tx = tx.WithAttributes(velocityAttrs)
	tx = s.derive(tx)

	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: transaction %s", domain.ErrDuplicateID, tx.ID)
		}
		return nil, fmt.Errorf("failed to save transaction: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetTransaction(ctx, tx, s.cfg.Cache.LocalTTL); err != nil {
			slog.Warn("failed to cache transaction",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	s.publish(ctx, domain.TopicTransactionIngested, tx)

	slog.Debug("transaction ingested",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"attributes", len(tx.Attributes),
	)
	return tx, nil
}

// derive adds the configured CEL attributes. Attributes that fail to
// evaluate are left out.
func (s *Service) derive(tx *domain.Transaction) *domain.Transaction {
	attrs, err := s.deriver.Derive(tx)
	if err != nil {
		slog.Warn("derived attributes failed",
			"tx_id", tx.ID,
			"error", err,
		)
	}
	return tx.WithAttributes(attrs)
}

// Transaction returns a stored transaction, preferring the cache.
func (s *Service) Transaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	if s.cache != nil {
		tx, err := s.cache.GetTransaction(ctx, txID)
		if err != nil {
			slog.Debug("cache lookup failed", "tx_id", txID, "error", err)
		}
		if tx != nil {
			return tx, nil
		}
	}

	tx, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, txID)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// ScoreHistory returns the evaluation log of a transaction, oldest first.
func (s *Service) ScoreHistory(ctx context.Context, txID string) ([]*domain.ScoreResult, error) {
	if _, err := s.Transaction(ctx, txID); err != nil {
		return nil, err
	}
	return s.repo.ListScoreResults(ctx, txID)
}

// ImportSummary reports the outcome of a corpus import.
type ImportSummary struct {
	Imported int `json:"imported"`
	Labeled  int `json:"labeled"`
	Skipped  int `json:"skipped"`
}

// ImportLabeled stores historical transactions with their ground-truth
// labels for backtesting. Transactions that already exist only have their
// label updated. Imported transactions get the derived attributes but no
// velocity attributes and are not scored.
func (s *Service) ImportLabeled(ctx context.Context, corpus []domain.LabeledTransaction) (ImportSummary, error) {
	var sum ImportSummary
	for i, lt := range corpus {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
		}
		if lt.Transaction == nil || lt.Transaction.ID == "" {
			sum.Skipped++
			continue
		}

		tx := s.derive(lt.Transaction)
		err := s.repo.SaveTransaction(ctx, tx)
		switch {
		case err == nil:
			sum.Imported++
		case errors.Is(err, repository.ErrDuplicate):
		default:
			return sum, fmt.Errorf("failed to import transaction %s: %w", tx.ID, err)
		}

		if lt.Label == "" || lt.Label == domain.StatusPending {
			continue
		}
		if err := s.repo.SetTransactionLabel(ctx, tx.ID, lt.Label); err != nil {
			return sum, fmt.Errorf("failed to label transaction %s: %w", tx.ID, err)
		}
		sum.Labeled++
	}

	slog.Info("labeled corpus imported",
		"imported", sum.Imported,
		"labeled", sum.Labeled,
		"skipped", sum.Skipped,
	)
	return sum, nil
}

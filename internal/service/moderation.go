package service

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// RecordDecision records a moderator's decision on a stored transaction,
// closes its alert and labels the transaction for future backtests.
func (s *Service) RecordDecision(ctx context.Context, txID string, decision domain.TransactionStatus, moderator, comment string) (*domain.Decision, error) {
	if _, err := s.Transaction(ctx, txID); err != nil {
		return nil, err
	}

	// The workflow saves the decision before it joins the history.
	d, err := s.workflow.RecordDecision(ctx, txID, decision, moderator, comment)
	if err != nil {
		return nil, err
	}

	if history := s.alerts.ForTransaction(txID); len(history) > 0 {
		if err := s.repo.SaveAlert(ctx, history[len(history)-1]); err != nil {
			return nil, fmt.Errorf("failed to save alert: %w", err)
		}
	}
	if err := s.repo.SetTransactionLabel(ctx, txID, d.Decision); err != nil {
		return nil, fmt.Errorf("failed to label transaction: %w", err)
	}

	s.publish(ctx, domain.TopicDecision, d)
	return d, nil
}

// DecisionState is the moderation state of a transaction.
type DecisionState struct {
	TransactionID string                   `json:"transactionId"`
	State         domain.TransactionStatus `json:"state"`
	History       []*domain.Decision       `json:"history"`
}

// Decisions returns the current state and decision history of a transaction.
func (s *Service) Decisions(ctx context.Context, txID string) (*DecisionState, error) {
	if _, err := s.Transaction(ctx, txID); err != nil {
		return nil, err
	}
	return &DecisionState{
		TransactionID: txID,
		State:         s.workflow.CurrentState(txID),
		History:       s.workflow.History(txID),
	}, nil
}

// Alert returns an alert by id.
func (s *Service) Alert(id string) (*domain.Alert, error) {
	return s.alerts.Get(id)
}

// ListAlerts returns alerts matching f, highest risk first.
func (s *Service) ListAlerts(f alerts.AlertFilter) []*domain.Alert {
	return s.alerts.List(f)
}

// AlertSummary counts open alerts by severity.
func (s *Service) AlertSummary() map[domain.Severity]int {
	return s.alerts.SeverityCounts()
}

package service

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/backtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Backtest simulates a candidate change over the stored labeled corpus.
func (s *Service) Backtest(ctx context.Context, cand domain.Candidate) (*domain.BacktestResult, error) {
	ctx, span := tracer.Start(ctx, "service.Backtest",
		trace.WithAttributes(attribute.String("candidate.kind", string(cand.Kind))),
	)
	defer span.End()

	corpus, err := s.repo.ListLabeledTransactions(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}

	result, err := s.simulator.Simulate(ctx, cand, corpus)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("backtest.scanned", result.Scanned),
		attribute.Float64("backtest.detection_rate_delta", result.DetectionRateDelta),
	)
	return result, nil
}

// SweepRequest describes a threshold sweep over one rule condition.
type SweepRequest struct {
	RuleID         string   `json:"ruleId"`
	ConditionIndex int      `json:"conditionIndex"`
	Values         []string `json:"values"`

	// MaxFalsePositiveDelta bounds the false-positive rate increase of the
	// suggested value.
	MaxFalsePositiveDelta float64 `json:"maxFalsePositiveDelta"`
}

// SweepResponse holds every sweep point and the suggested one, if any.
type SweepResponse struct {
	Points     []domain.SweepPoint `json:"points"`
	Suggestion *domain.SweepPoint  `json:"suggestion,omitempty"`
}

// Sweep simulates each candidate value of a rule condition and suggests the
// best one within the false-positive budget. Nothing is applied.
func (s *Service) Sweep(ctx context.Context, req SweepRequest) (*SweepResponse, error) {
	ctx, span := tracer.Start(ctx, "service.Sweep",
		trace.WithAttributes(
			attribute.String("rule.id", req.RuleID),
			attribute.Int("sweep.values", len(req.Values)),
		),
	)
	defer span.End()

	corpus, err := s.repo.ListLabeledTransactions(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}

	points, err := s.simulator.Sweep(ctx, req.RuleID, req.ConditionIndex, req.Values, corpus)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp := &SweepResponse{Points: points}
	if best, ok := backtest.BestSweepPoint(points, req.MaxFalsePositiveDelta); ok {
		resp.Suggestion = &best
	}
	return resp, nil
}

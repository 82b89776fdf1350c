package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScoreRequest is the payload of a kestrel.score.request message.
type ScoreRequest struct {
	ID string `json:"id"`
}

// ScoreReply answers a ScoreRequest. Exactly one of Outcome and Error is set.
type ScoreReply struct {
	Outcome  *ScoreOutcome `json:"outcome,omitempty"`
	Error    string        `json:"error,omitempty"`
	NotFound bool          `json:"notFound,omitempty"`
}

// NewScoreReply builds the reply to a score request from a Score call.
func NewScoreReply(out *ScoreOutcome, err error) ScoreReply {
	if err != nil {
		return ScoreReply{
			Error:    err.Error(),
			NotFound: errors.Is(err, domain.ErrTransactionNotFound),
		}
	}
	return ScoreReply{Outcome: out}
}

// RequestScore has the scoring worker score a stored transaction and waits
// for its answer. Without an event bus the transaction is scored inline.
func (s *Service) RequestScore(ctx context.Context, txID string) (*ScoreOutcome, error) {
	if s.bus == nil {
		return s.Score(ctx, txID)
	}

	ctx, span := tracer.Start(ctx, "service.RequestScore",
		trace.WithAttributes(attribute.String("tx.id", txID)),
	)
	defer span.End()

	out, err := s.requestScore(ctx, txID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (s *Service) requestScore(ctx context.Context, txID string) (*ScoreOutcome, error) {
	payload, err := json.Marshal(ScoreRequest{ID: txID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode score request: %w", err)
	}

	data, err := s.bus.Request(ctx, domain.TopicScoreRequest, payload)
	if err != nil {
		return nil, fmt.Errorf("score request failed: %w", err)
	}

	var reply ScoreReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("invalid score reply: %w", err)
	}
	switch {
	case reply.NotFound:
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, txID)
	case reply.Error != "":
		return nil, fmt.Errorf("worker failed to score %s: %s", txID, reply.Error)
	case reply.Outcome == nil || reply.Outcome.Result == nil:
		return nil, fmt.Errorf("empty score reply for %s", txID)
	}
	return reply.Outcome, nil
}

// Package worker scores ingested transactions asynchronously from the event
// bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
)

// Scorer scores a stored transaction.
type Scorer interface {
	Score(ctx context.Context, txID string) (*service.ScoreOutcome, error)
}

// Worker consumes kestrel.transaction.ingested and scores each transaction.
// It also answers kestrel.score.request on the request's reply topic.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer

	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount bounds how many transactions are scored concurrently.
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	w.sem = make(chan struct{}, cfg.WorkerCount)

	handlers := []struct {
		topic   string
		handler domain.MessageHandler
	}{
		{domain.TopicTransactionIngested, w.handleMessage},
		{domain.TopicScoreRequest, w.handleScoreRequest},
	}
	for _, h := range handlers {
		sub, err := w.bus.Subscribe(w.ctx, h.topic, h.handler)
		if err != nil {
			w.unsubscribe()
			return fmt.Errorf("failed to subscribe to %s: %w", h.topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("worker started",
		"topics", []string{domain.TopicTransactionIngested, domain.TopicScoreRequest},
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// TransactionMessage is the part of the ingestion event the worker needs.
type TransactionMessage struct {
	ID string `json:"id"`
}

// handleMessage parses the event and scores the transaction on a pooled
// goroutine so the subscription keeps draining.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if txMsg.ID == "" {
		return fmt.Errorf("message %s carries no transaction id", msg.ID)
	}

	return w.dispatch(func() {
		w.processTransaction(txMsg.ID)
	})
}

// handleScoreRequest scores the requested transaction and replies with a
// service.ScoreReply. A malformed request is answered with an error so the
// requester does not wait for its timeout.
func (w *Worker) handleScoreRequest(ctx context.Context, msg *domain.Message) error {
	var req service.ScoreRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.ID == "" {
		return w.reply(msg, service.ScoreReply{Error: "score request carries no transaction id"})
	}

	return w.dispatch(func() {
		out, err := w.processTransaction(req.ID)
		if err := w.reply(msg, service.NewScoreReply(out, err)); err != nil {
			slog.Error("failed to answer score request",
				"tx_id", req.ID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	})
}

func (w *Worker) reply(msg *domain.Message, reply service.ScoreReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to encode score reply: %w", err)
	}
	return bus.Reply(w.ctx, w.bus, msg, data)
}

// dispatch runs fn on a pooled goroutine so the subscription keeps
// draining.
func (w *Worker) dispatch(fn func()) error {
	select {
	case w.sem <- struct{}{}: // Acquire
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }() // Release

		fn()
	}()
	return nil
}

func (w *Worker) processTransaction(txID string) (*service.ScoreOutcome, error) {
	start := time.Now()

	out, err := w.scorer.Score(w.ctx, txID)
	if err != nil {
		w.failed.Add(1)
		slog.Error("async scoring failed",
			"tx_id", txID,
			"error", err,
		)
		return nil, err
	}
	w.processed.Add(1)

	slog.Debug("transaction processed",
		"tx_id", txID,
		"composite_score", out.Result.CompositeScore,
		"alert_action", out.AlertAction,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// Stop unsubscribes and waits for in-flight scoring to finish.
func (w *Worker) Stop() error {
	w.unsubscribe()
	w.wg.Wait()
	w.cancel()

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

func (w *Worker) unsubscribe() {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}

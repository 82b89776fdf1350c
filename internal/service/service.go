// Package service wires the scoring core to persistence, caching and the
// event bus.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/backtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/sets"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/workflow"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("kestrel-service")

// Service is the application layer used by the API, the worker and the
// CLI. Core state lives in memory and every change is written through to the
// repository; Bootstrap rebuilds the state on start.
type Service struct {
	cfg   *domain.Config
	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	sets      *sets.Store
	setSource sets.Source

	registry  *rules.Registry
	engine    *scoring.Engine
	alerts    *alerts.Manager
	workflow  *workflow.Workflow
	simulator *backtest.Simulator
	velocity  *velocity.Service
	deriver   *enrich.Deriver
}

// Option customises a Service.
type Option func(*Service)

// WithCache enables transaction caching and cache-backed velocity counters.
func WithCache(c domain.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithBus publishes pipeline events.
func WithBus(b domain.EventBus) Option {
	return func(s *Service) { s.bus = b }
}

// WithSetSource loads the configured Redis-backed sets from src.
func WithSetSource(src sets.Source) Option {
	return func(s *Service) { s.setSource = src }
}

// New builds the service from configuration. repo is required.
func New(cfg *domain.Config, repo domain.Repository, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: repository is required", domain.ErrConfiguration)
	}

	s := &Service{
		cfg:  cfg,
		repo: repo,
		sets: sets.NewStore(cfg.Sets.Static),
	}
	for _, opt := range opts {
		opt(s)
	}

	schema, err := domain.DefaultSchema().Merge(cfg.Schema.Attributes)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	s.registry = rules.NewRegistry(rules.NewEvaluator(schema, s.sets))

	var baseline scoring.Baseline
	if cfg.Scoring.BaselineExpression != "" {
		model, err := enrich.NewModel(cfg.Scoring.BaselineExpression)
		if err != nil {
			return nil, fmt.Errorf("invalid baseline model: %w", err)
		}
		baseline = model
	}
	s.engine = scoring.NewEngine(s.registry, baseline, cfg.Scoring.MaxWorkers)

	s.deriver, err = enrich.NewDeriver(cfg.Enrich.Derived)
	if err != nil {
		return nil, fmt.Errorf("invalid derived attributes: %w", err)
	}

	s.alerts = alerts.NewManager(cfg.Scoring.AlertThreshold)
	s.workflow = workflow.New(cfg.Workflow.Policy, s.alerts)
	s.workflow.SetStore(repo)
	s.alerts.SetStatusSource(s.workflow)
	s.simulator = backtest.NewSimulator(s.registry, cfg.Scoring.AlertThreshold)
	s.velocity = velocity.NewService(repo, s.cache)

	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() *domain.Config {
	return s.cfg
}

// Registry returns the rule registry.
func (s *Service) Registry() *rules.Registry {
	return s.registry
}

// Alerts returns the alert manager.
func (s *Service) Alerts() *alerts.Manager {
	return s.alerts
}

// Workflow returns the decision workflow.
func (s *Service) Workflow() *workflow.Workflow {
	return s.workflow
}

// Sets returns the named set store.
func (s *Service) Sets() *sets.Store {
	return s.sets
}

// Bootstrap restores in-memory state from the repository: named sets,
// rules, alerts, decisions and the trigger-count ledger.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.RefreshSets(ctx); err != nil {
		slog.Warn("some sets failed to load", "error", err)
	}

	storedRules, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	for _, r := range storedRules {
		if err := s.registry.Restore(r); err != nil {
			slog.Warn("skipping invalid stored rule",
				"rule_id", r.ID,
				"error", err,
			)
		}
	}

	storedAlerts, err := s.repo.ListAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alerts: %w", err)
	}
	for _, a := range storedAlerts {
		if err := s.alerts.Restore(a); err != nil {
			slog.Warn("skipping stored alert",
				"alert_id", a.ID,
				"error", err,
			)
		}
	}

	decisions, err := s.repo.ListDecisions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load decisions: %w", err)
	}
	decided := make(map[string]struct{})
	for _, d := range decisions {
		if err := s.workflow.Restore(d); err != nil {
			slog.Warn("skipping stored decision",
				"decision_id", d.ID,
				"error", err,
			)
			continue
		}
		decided[d.TransactionID] = struct{}{}
	}
	// A decision is saved before its alert, so an interrupted write can
	// leave the stored alert behind the workflow.
	for txID := range decided {
		if _, err := s.alerts.SyncStatus(txID, s.workflow.CurrentState(txID)); err != nil && !errors.Is(err, domain.ErrAlertNotFound) {
			slog.Warn("failed to sync alert status",
				"tx_id", txID,
				"error", err,
			)
		}
	}

	results, err := s.repo.AllScoreResults(ctx)
	if err != nil {
		return fmt.Errorf("failed to load evaluation log: %w", err)
	}
	s.engine.Ledger().Seed(results)

	slog.Info("state restored",
		"rules", s.registry.Len(),
		"alerts", s.alerts.Len(),
		"decisions", s.workflow.Len(),
		"scored_transactions", s.engine.Ledger().Len(),
	)
	return nil
}

// RefreshSets reloads the Redis-backed named sets.
func (s *Service) RefreshSets(ctx context.Context) error {
	if s.setSource == nil || len(s.cfg.Sets.RedisNames) == 0 {
		return nil
	}
	return s.sets.Refresh(ctx, s.setSource, s.cfg.Sets.RedisNames)
}

// Health reports the status of each backing component.
func (s *Service) Health(ctx context.Context) map[string]string {
	status := map[string]string{"repository": "ok"}
	if err := s.repo.Ping(ctx); err != nil {
		status["repository"] = err.Error()
	}
	if s.cache != nil {
		status["cache"] = "ok"
		if err := s.cache.Ping(ctx); err != nil {
			status["cache"] = err.Error()
		}
	}
	if s.bus != nil {
		status["bus"] = "ok"
		if err := s.bus.Ping(ctx); err != nil {
			status["bus"] = err.Error()
		}
	}
	return status
}

// publish emits an event. Failures are logged; the operation that produced
// the event has already been committed.
func (s *Service) publish(ctx context.Context, topic string, v any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

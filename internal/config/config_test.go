package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Tier != domain.TierCommunity {
			t.Errorf("expected community tier, got %s", cfg.Tier)
		}
		if cfg.Scoring.AlertThreshold != domain.DefaultAlertThreshold {
			t.Errorf("expected threshold %d, got %d", domain.DefaultAlertThreshold, cfg.Scoring.AlertThreshold)
		}
		if cfg.Workflow.Policy != domain.PolicyAppend {
			t.Errorf("expected append policy, got %s", cfg.Workflow.Policy)
		}
		if cfg.Repository.Driver != "sqlite" || cfg.EventBus.Type != "channel" {
			t.Errorf("unexpected components: %+v %+v", cfg.Repository, cfg.EventBus)
		}
		if cfg.Cache.LocalTTL != 5*time.Minute {
			t.Errorf("expected 5m local TTL, got %s", cfg.Cache.LocalTTL)
		}
		if cfg.Enrich.Derived["hour"] != "ts.getHours()" {
			t.Errorf("expected derived hour, got %v", cfg.Enrich.Derived)
		}
	})

	t.Run("File", func(t *testing.T) {
		path := writeConfig(t, `
scoring:
  alert_threshold: 80
  baseline_expression: "tx.new_device ? 65 : 0"
workflow:
  policy: final
schema:
  attributes:
    device_age_days: number
sets:
  static:
    blacklist: [m-1, m-2]
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Scoring.AlertThreshold != 80 {
			t.Errorf("expected 80, got %d", cfg.Scoring.AlertThreshold)
		}
		if cfg.Scoring.BaselineExpression == "" {
			t.Error("expected baseline expression")
		}
		if cfg.Workflow.Policy != domain.PolicyFinal {
			t.Errorf("expected final policy, got %s", cfg.Workflow.Policy)
		}
		if cfg.Schema.Attributes["device_age_days"] != "number" {
			t.Errorf("unexpected schema: %v", cfg.Schema.Attributes)
		}
		if got := cfg.Sets.Static["blacklist"]; len(got) != 2 {
			t.Errorf("unexpected sets: %v", cfg.Sets.Static)
		}
		if cfg.Scoring.MaxWorkers != 16 {
			t.Errorf("defaults must fill unset keys, got max_workers %d", cfg.Scoring.MaxWorkers)
		}
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		path := writeConfig(t, "scoring:\n  alert_threshold: 80\n")
		t.Setenv("KESTREL_SCORING_ALERT_THRESHOLD", "55")

		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Scoring.AlertThreshold != 55 {
			t.Errorf("expected env value 55, got %d", cfg.Scoring.AlertThreshold)
		}
	})

	t.Run("ProTier", func(t *testing.T) {
		t.Setenv("KESTREL_TIER", "pro")

		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" || cfg.Cache.Type != "redis" {
			t.Errorf("expected pro components, got %s/%s/%s", cfg.Repository.Driver, cfg.EventBus.Type, cfg.Cache.Type)
		}
		if !cfg.AsyncWorker {
			t.Error("pro tier scores asynchronously")
		}
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("InvalidValues", func(t *testing.T) {
		cases := map[string]error{
			"scoring:\n  alert_threshold: 150\n":           domain.ErrInvalidThreshold,
			"workflow:\n  policy: sometimes\n":             domain.ErrConfiguration,
			"schema:\n  attributes:\n    amount: string\n": domain.ErrTypeMismatch,
			"schema:\n  attributes:\n    score: percent\n": domain.ErrConfiguration,
		}
		for body, want := range cases {
			if _, err := Load(writeConfig(t, body)); !errors.Is(err, want) {
				t.Errorf("%q: expected %v, got %v", body, want, err)
			}
		}
	})
}

package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := &domain.Transaction{
			ID:            "tx-001",
			UserID:        "user-001",
			Amount:        decimal.RequireFromString("12500.75"),
			Timestamp:     now,
			Location:      "Lagos",
			PaymentMethod: "card",
			Attributes: map[string]domain.AttributeValue{
				"account_verified": domain.BoolValue(false),
				"merchant_id":      domain.StringValue("m-77"),
			},
		}

		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, err := repo.GetTransaction(ctx, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}

		if retrieved.UserID != tx.UserID {
			t.Errorf("expected UserID %s, got %s", tx.UserID, retrieved.UserID)
		}
		if !retrieved.Amount.Equal(tx.Amount) {
			t.Errorf("expected Amount %s, got %s", tx.Amount, retrieved.Amount)
		}
		v, ok := retrieved.Field("account_verified")
		if !ok || v.Kind != domain.KindBool || v.Bool {
			t.Errorf("expected account_verified=false, got %+v (ok=%v)", v, ok)
		}
	})

	t.Run("DuplicateTransaction", func(t *testing.T) {
		err := repo.SaveTransaction(ctx, &domain.Transaction{ID: "tx-001", UserID: "someone-else"})
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got: %v", err)
		}

		retrieved, _ := repo.GetTransaction(ctx, "tx-001")
		if retrieved.UserID != "user-001" {
			t.Errorf("duplicate save must not overwrite, got user %s", retrieved.UserID)
		}
	})

	t.Run("RequiresID", func(t *testing.T) {
		err := repo.SaveTransaction(ctx, &domain.Transaction{})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})

	t.Run("GetTransactionsByUser", func(t *testing.T) {
		tx2 := &domain.Transaction{
			ID:            "tx-002",
			UserID:        "user-001",
			Amount:        decimal.NewFromInt(500),
			Timestamp:     now.Add(time.Minute),
			Location:      "Lagos",
			PaymentMethod: "card",
		}
		old := &domain.Transaction{
			ID:            "tx-old",
			UserID:        "user-001",
			Amount:        decimal.NewFromInt(1),
			Timestamp:     now.Add(-3 * time.Hour),
			Location:      "Lagos",
			PaymentMethod: "card",
		}
		for _, tx := range []*domain.Transaction{tx2, old} {
			if err := repo.SaveTransaction(ctx, tx); err != nil {
				t.Fatalf("SaveTransaction failed: %v", err)
			}
		}

		transactions, err := repo.GetTransactionsByUser(ctx, "user-001", now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("GetTransactionsByUser failed: %v", err)
		}

		if len(transactions) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(transactions))
		}
		if transactions[0].ID != "tx-002" {
			t.Errorf("expected newest first, got %s", transactions[0].ID)
		}
	})

	t.Run("Labels", func(t *testing.T) {
		if err := repo.SetTransactionLabel(ctx, "tx-001", domain.StatusFraud); err != nil {
			t.Fatalf("SetTransactionLabel failed: %v", err)
		}
		if err := repo.SetTransactionLabel(ctx, "missing", domain.StatusFraud); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		corpus, err := repo.ListLabeledTransactions(ctx)
		if err != nil {
			t.Fatalf("ListLabeledTransactions failed: %v", err)
		}
		if len(corpus) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(corpus))
		}

		labels := map[string]domain.TransactionStatus{}
		for _, lt := range corpus {
			labels[lt.Transaction.ID] = lt.Label
		}
		if labels["tx-001"] != domain.StatusFraud {
			t.Errorf("expected tx-001 labeled Fraud, got %s", labels["tx-001"])
		}
		if labels["tx-002"] != domain.StatusPending {
			t.Errorf("expected tx-002 Pending, got %s", labels["tx-002"])
		}
		if corpus[0].Transaction.ID != "tx-old" {
			t.Errorf("expected timestamp order, first is %s", corpus[0].Transaction.ID)
		}
	})

	t.Run("SaveAndListRules", func(t *testing.T) {
		rule := &domain.Rule{
			ID:   "rule-high-amount",
			Name: "High amount, unverified",
			Conditions: []domain.RuleCondition{
				{Condition: domain.Condition{Field: "amount", Operator: domain.OpGt, Value: "10000"}},
				{Condition: domain.Condition{Field: "account_verified", Operator: domain.OpEq, Value: "false"}, Combiner: domain.CombineAnd},
			},
			RiskThreshold: 85,
			Status:        domain.RuleActive,
			CreatedBy:     "analyst",
			CreatedAt:     now,
			Sequence:      1,
		}
		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		rule.RiskThreshold = 90
		rule.TriggerCount = 3
		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule update failed: %v", err)
		}

		rules, err := repo.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(rules) != 1 {
			t.Fatalf("expected 1 rule, got %d", len(rules))
		}
		got := rules[0]
		if got.RiskThreshold != 90 || got.TriggerCount != 3 {
			t.Errorf("expected threshold 90 and count 3, got %d and %d", got.RiskThreshold, got.TriggerCount)
		}
		if len(got.Conditions) != 2 || got.Conditions[1].Combiner != domain.CombineAnd {
			t.Errorf("conditions not preserved: %+v", got.Conditions)
		}
	})

	t.Run("ScoreResults", func(t *testing.T) {
		for i, score := range []int{65, 85} {
			res := &domain.ScoreResult{
				TransactionID:  "tx-001",
				CompositeScore: score,
				TriggeredRule:  &domain.FiredRule{RuleID: "rule-high-amount", RiskThreshold: score},
				FiredRules:     []domain.FiredRule{{RuleID: "rule-high-amount", RiskThreshold: score}},
				EvaluatedAt:    now.Add(time.Duration(i) * time.Second),
			}
			if err := repo.SaveScoreResult(ctx, res); err != nil {
				t.Fatalf("SaveScoreResult failed: %v", err)
			}
		}

		results, err := repo.ListScoreResults(ctx, "tx-001")
		if err != nil {
			t.Fatalf("ListScoreResults failed: %v", err)
		}
		if len(results) != 2 || results[1].CompositeScore != 85 {
			t.Fatalf("expected two results ending at 85, got %+v", results)
		}
		if results[0].TriggeredRuleID() != "rule-high-amount" {
			t.Errorf("expected triggered rule preserved, got %q", results[0].TriggeredRuleID())
		}

		all, err := repo.AllScoreResults(ctx)
		if err != nil {
			t.Fatalf("AllScoreResults failed: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 results, got %d", len(all))
		}
	})

	t.Run("Alerts", func(t *testing.T) {
		alert := &domain.Alert{
			ID:            "alert-001",
			TransactionID: "tx-001",
			RiskScore:     85,
			TriggeredRule: "rule-high-amount",
			DetectedAt:    now,
			Status:        domain.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := repo.SaveAlert(ctx, alert); err != nil {
			t.Fatalf("SaveAlert failed: %v", err)
		}

		alert.Reviewed = true
		alert.Status = domain.StatusFraud
		if err := repo.SaveAlert(ctx, alert); err != nil {
			t.Fatalf("SaveAlert update failed: %v", err)
		}

		alerts, err := repo.ListAlerts(ctx)
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(alerts) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(alerts))
		}
		if !alerts[0].Reviewed || alerts[0].Status != domain.StatusFraud {
			t.Errorf("expected reviewed Fraud alert, got %+v", alerts[0])
		}
	})

	t.Run("Decisions", func(t *testing.T) {
		decisions := []*domain.Decision{
			{ID: "d-1", TransactionID: "tx-001", Decision: domain.StatusUnknown, Moderator: "mod-1", Timestamp: now},
			{ID: "d-2", TransactionID: "tx-001", Decision: domain.StatusFraud, Moderator: "mod-2", Comment: "confirmed", Timestamp: now.Add(time.Second)},
		}
		for _, d := range decisions {
			if err := repo.SaveDecision(ctx, d); err != nil {
				t.Fatalf("SaveDecision failed: %v", err)
			}
		}

		got, err := repo.ListDecisions(ctx)
		if err != nil {
			t.Fatalf("ListDecisions failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 decisions, got %d", len(got))
		}
		if got[0].ID != "d-1" || got[1].Comment != "confirmed" {
			t.Errorf("decisions out of order or incomplete: %+v %+v", got[0], got[1])
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// createTestServer creates a server backed by a temporary SQLite database.
func createTestServer(t *testing.T) *Server {
	t.Helper()
	return createTestServerWith(t, domain.DefaultConfig())
}

func createTestServerWith(t *testing.T, svcCfg *domain.Config, opts ...service.Option) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	svc, err := service.New(svcCfg, repo, opts...)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(cfg, svc, "test-v1")
}

func do(t *testing.T, s *Server, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func highAmountRule() map[string]interface{} {
	return map[string]interface{}{
		"id":            "high-amount-unverified",
		"name":          "High amount from unverified account",
		"riskThreshold": 85,
		"createdBy":     "analyst-1",
		"conditions": []map[string]interface{}{
			{"field": "amount", "operator": ">", "value": "10000"},
			{"field": "account_verified", "operator": "=", "value": "false", "combiner": "AND"},
		},
	}
}

func transaction(id string, amount float64, verified bool) map[string]interface{} {
	return map[string]interface{}{
		"id":            id,
		"userId":        "user-001",
		"amount":        amount,
		"timestamp":     "2024-05-01T02:30:00Z",
		"location":      "Lagos",
		"paymentMethod": "card",
		"attributes":    map[string]interface{}{"account_verified": verified},
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]interface{}
		decode(t, rr, &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %v", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %v", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("TraceHeaders", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", nil, RequestIDHeader, "req-123")
		if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected request id echoed, got %q", got)
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace id header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		rr := do(t, server, http.MethodOptions, "/rules", nil, "Origin", "http://localhost:3000")
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("unexpected allow origin %q", got)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Create", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", highAmountRule())
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var rule domain.Rule
		decode(t, rr, &rule)
		if rule.Status != domain.RuleActive {
			t.Errorf("expected new rule to be Active, got %s", rule.Status)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", highAmountRule())
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		rule := highAmountRule()
		rule["id"] = "bad-threshold"
		rule["riskThreshold"] = 150
		rr := do(t, server, http.MethodPost, "/rules", rule)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodPost, "/rules", "{not json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad JSON, got %d", rr.Code)
		}
	})

	t.Run("GetAndList", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/rules/high-amount-unverified", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/rules/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/rules?risk=high&q=unverified", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 high risk rule, got %d", resp.Count)
		}

		rr = do(t, server, http.MethodGet, "/rules?status=Paused", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for unknown status, got %d", rr.Code)
		}
	})

	t.Run("Threshold", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/rules/high-amount-unverified/threshold", map[string]int{"riskThreshold": 90})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var rule domain.Rule
		decode(t, rr, &rule)
		if rule.RiskThreshold != 90 {
			t.Errorf("expected threshold 90, got %d", rule.RiskThreshold)
		}

		rr = do(t, server, http.MethodPut, "/rules/high-amount-unverified/threshold", map[string]int{"riskThreshold": 101})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodPut, "/rules/missing/threshold", map[string]int{"riskThreshold": 50})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Status", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/rules/high-amount-unverified/status", map[string]string{"status": "Disabled"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/rules?status=Disabled", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 disabled rule, got %d", resp.Count)
		}
	})
}

func TestTransactionFlow(t *testing.T) {
	server := createTestServer(t)

	if rr := do(t, server, http.MethodPost, "/rules", highAmountRule()); rr.Code != http.StatusCreated {
		t.Fatalf("failed to create rule: %d %s", rr.Code, rr.Body.String())
	}

	var alertID string

	t.Run("IngestAndScore", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions", transaction("tx-001", 12500, false))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp IngestResponse
		decode(t, rr, &resp)
		if resp.Score == nil {
			t.Fatal("expected inline score")
		}
		if resp.Score.Result.CompositeScore != 85 {
			t.Errorf("expected composite 85, got %d", resp.Score.Result.CompositeScore)
		}
		if resp.Score.AlertAction != alerts.ActionCreated || resp.Score.Alert == nil {
			t.Fatalf("expected alert created, got %s", resp.Score.AlertAction)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version in metadata, got %q", resp.Metadata.Version)
		}
		alertID = resp.Score.Alert.ID
	})

	t.Run("IngestVerified", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions", transaction("tx-002", 12500, true))
		var resp IngestResponse
		decode(t, rr, &resp)
		if resp.Score == nil || resp.Score.Result.CompositeScore != 0 {
			t.Errorf("expected composite 0 for verified account, got %+v", resp.Score)
		}
	})

	t.Run("IngestErrors", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions", transaction("tx-001", 10, true))
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 for duplicate id, got %d", rr.Code)
		}

		bad := transaction("tx-003", 10, true)
		delete(bad, "userId")
		rr = do(t, server, http.MethodPost, "/transactions", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for missing userId, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodPost, "/transactions", "not json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad JSON, got %d", rr.Code)
		}
	})

	t.Run("GetTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/transactions/tx-001", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		rr = do(t, server, http.MethodGet, "/transactions/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Rescore", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions/tx-001/score", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var out service.ScoreOutcome
		decode(t, rr, &out)
		if out.AlertAction != alerts.ActionNone {
			t.Errorf("expected unchanged alert on rescore, got %s", out.AlertAction)
		}

		rr = do(t, server, http.MethodGet, "/transactions/tx-001/scores", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 score results, got %d", resp.Count)
		}

		rr = do(t, server, http.MethodGet, "/rules/high-amount-unverified", nil)
		var rule domain.Rule
		decode(t, rr, &rule)
		if rule.TriggerCount != 1 {
			t.Errorf("expected trigger count 1 after rescore, got %d", rule.TriggerCount)
		}
	})

	t.Run("Alerts", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/alerts/"+alertID, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/alerts?severity=critical&reviewed=false", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 open critical alert, got %d", resp.Count)
		}

		rr = do(t, server, http.MethodGet, "/alerts?severity=extreme", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad severity, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/alerts/summary", nil)
		var summary map[string]int
		decode(t, rr, &summary)
		if summary["Critical"] != 1 {
			t.Errorf("expected 1 critical alert in summary, got %v", summary)
		}
	})

	t.Run("Decisions", func(t *testing.T) {
		body := map[string]string{"decision": "Fraud", "comment": "confirmed with cardholder"}

		rr := do(t, server, http.MethodPost, "/transactions/tx-001/decisions", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without moderator, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodPost, "/transactions/tx-001/decisions",
			map[string]string{"decision": "Pending"}, ModeratorIDHeader, "mod-7")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for non-terminal decision, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodPost, "/transactions/tx-001/decisions", body, ModeratorIDHeader, "mod-7")
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var d domain.Decision
		decode(t, rr, &d)
		if d.Moderator != "mod-7" || d.Decision != domain.StatusFraud {
			t.Errorf("unexpected decision %+v", d)
		}

		rr = do(t, server, http.MethodGet, "/transactions/tx-001/decisions", nil)
		var state service.DecisionState
		decode(t, rr, &state)
		if state.State != domain.StatusFraud || len(state.History) != 1 {
			t.Errorf("unexpected decision state %+v", state)
		}

		rr = do(t, server, http.MethodGet, "/alerts/"+alertID, nil)
		var alert domain.Alert
		decode(t, rr, &alert)
		if !alert.Reviewed || alert.Status != domain.StatusFraud {
			t.Errorf("expected alert reviewed as Fraud, got %+v", alert)
		}

		rr = do(t, server, http.MethodPost, "/transactions/nope/decisions", body, ModeratorIDHeader, "mod-7")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for unknown transaction, got %d", rr.Code)
		}
	})
}

func TestBacktestEndpoints(t *testing.T) {
	server := createTestServer(t)

	if rr := do(t, server, http.MethodPost, "/rules", highAmountRule()); rr.Code != http.StatusCreated {
		t.Fatalf("failed to create rule: %d %s", rr.Code, rr.Body.String())
	}

	corpus := []map[string]interface{}{
		{"transaction": transaction("h-1", 20000, false), "label": "Fraud"},
		{"transaction": transaction("h-2", 15000, false), "label": "Genuine"},
		{"transaction": transaction("h-3", 500, true), "label": "Genuine"},
		{"transaction": transaction("h-4", 9000, false), "label": "Fraud"},
	}
	for _, item := range corpus {
		tx := item["transaction"].(map[string]interface{})
		tx["userId"] = "hist-" + tx["id"].(string)
	}

	t.Run("ImportCorpus", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/corpus", corpus)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var summary service.ImportSummary
		decode(t, rr, &summary)
		if summary.Imported != 4 || summary.Labeled != 4 {
			t.Errorf("unexpected import summary %+v", summary)
		}

		rr = do(t, server, http.MethodPost, "/corpus", map[string]string{"not": "an array"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Backtest", func(t *testing.T) {
		cand := map[string]interface{}{
			"kind":          "rule_threshold",
			"ruleId":        "high-amount-unverified",
			"riskThreshold": 60,
		}
		rr := do(t, server, http.MethodPost, "/backtest", cand)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var result domain.BacktestResult
		decode(t, rr, &result)
		if result.Baseline.Buckets.Detected != 1 || result.Baseline.Buckets.FalsePositive != 1 {
			t.Errorf("unexpected live metrics %+v", result.Baseline)
		}
		// 60 alone no longer reaches the alert threshold of 70.
		if result.Proposed.Flagged != 0 || len(result.NoLongerFlagged) != 2 {
			t.Errorf("unexpected candidate metrics %+v", result.Proposed)
		}

		rr = do(t, server, http.MethodPost, "/backtest", map[string]string{"kind": "rule_threshold", "ruleId": "missing"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for unknown rule, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodPost, "/backtest", map[string]string{"kind": "bogus"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for unknown kind, got %d", rr.Code)
		}
	})

	t.Run("Sweep", func(t *testing.T) {
		req := service.SweepRequest{
			RuleID:         "high-amount-unverified",
			ConditionIndex: 0,
			Values:         []string{"5000", "10000"},
		}
		rr := do(t, server, http.MethodPost, "/backtest/sweep", req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp service.SweepResponse
		decode(t, rr, &resp)
		if len(resp.Points) != 2 {
			t.Errorf("expected 2 sweep points, got %d", len(resp.Points))
		}
	})
}

func TestAsyncRescoreGoesThroughWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	cfg := domain.DefaultConfig()
	cfg.AsyncWorker = true
	server := createTestServerWith(t, cfg, service.WithBus(eventBus))

	w := worker.NewWorker(eventBus, server.handler.svc)
	if err := w.Start(worker.Config{WorkerCount: 2}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Stop() })

	rr := do(t, server, http.MethodPost, "/transactions", transaction("tx-async", 500, true))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	t.Run("Rescore", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions/tx-async/score", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var out service.ScoreOutcome
		decode(t, rr, &out)
		if out.Result == nil || out.Result.TransactionID != "tx-async" {
			t.Errorf("unexpected outcome %+v", out)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions/nope/score", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

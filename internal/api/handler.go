package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/service"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *service.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, version string) *Handler {
	return &Handler{
		svc:     svc,
		version: version,
	}
}

// IngestResponse is the response for POST /transactions.
type IngestResponse struct {
	Transaction *domain.Transaction   `json:"transaction"`
	Score       *service.ScoreOutcome `json:"score,omitempty"`
	Queued      bool                  `json:"queued,omitempty"`
	Metadata    struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// IngestTransaction handles POST /transactions. The transaction is scored
// inline unless the async worker owns scoring.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	tx, err := h.svc.Ingest(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := IngestResponse{Transaction: tx}
	status := http.StatusCreated
	if h.svc.Config().AsyncWorker {
		resp.Queued = true
		status = http.StatusAccepted
	} else {
		out, err := h.svc.Score(ctx, tx.ID)
		if err != nil {
			slog.Error("inline scoring failed", "tx_id", tx.ID, "error", err)
			writeError(w, err)
			return
		}
		resp.Score = out
	}

	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, status, resp)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ScoreTransaction re-scores a stored transaction. When the async worker owns
// scoring, the worker scores it and answers over the event bus.
func (h *Handler) ScoreTransaction(w http.ResponseWriter, r *http.Request) {
	score := h.svc.Score
	if h.svc.Config().AsyncWorker {
		score = h.svc.RequestScore
	}
	out, err := score(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetScores returns the score log of a transaction.
func (h *Handler) GetScores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if _, err := h.svc.Transaction(ctx, txID); err != nil {
		writeError(w, err)
		return
	}
	results, err := h.svc.ScoreHistory(ctx, txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scores": results,
		"count":  len(results),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components := h.svc.Health(r.Context())

	status := "healthy"
	for _, v := range components {
		if v != "ok" {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// RULE HANDLERS
// ============================================================================

// ListRules handles GET /rules?status=&risk=&q=.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rules.RuleFilter{
		Status:    domain.RuleStatus(q.Get("status")),
		RiskLevel: domain.RiskLevel(q.Get("risk")),
		Search:    q.Get("q"),
	}
	if filter.Status != "" && filter.Status != domain.RuleActive && filter.Status != domain.RuleDisabled {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status must be Active or Disabled",
		})
		return
	}

	list := h.svc.Rules(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.Rule(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if rule.CreatedBy == "" {
		rule.CreatedBy = GetModeratorID(r.Context())
	}

	created, err := h.svc.CreateRule(r.Context(), &rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// RuleStatusRequest is the request body for PUT /rules/{id}/status.
type RuleStatusRequest struct {
	Status domain.RuleStatus `json:"status"`
}

// SetRuleStatus enables or disables a rule.
func (h *Handler) SetRuleStatus(w http.ResponseWriter, r *http.Request) {
	var req RuleStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule, err := h.svc.SetRuleStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// RuleThresholdRequest is the request body for PUT /rules/{id}/threshold.
type RuleThresholdRequest struct {
	RiskThreshold *int `json:"riskThreshold"`
}

// AdjustRuleThreshold changes a rule's risk threshold.
func (h *Handler) AdjustRuleThreshold(w http.ResponseWriter, r *http.Request) {
	var req RuleThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RiskThreshold == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "riskThreshold is required",
		})
		return
	}

	rule, err := h.svc.AdjustRuleThreshold(r.Context(), chi.URLParam(r, "id"), *req.RiskThreshold)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ============================================================================
// ALERT AND MODERATION HANDLERS
// ============================================================================

// ListAlerts handles GET /alerts?severity=&reviewed=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter alerts.AlertFilter
	if s := q.Get("severity"); s != "" {
		sev, ok := domain.ParseSeverity(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "severity must be Critical, High or Medium",
			})
			return
		}
		filter.Severity = sev
	}
	if s := q.Get("reviewed"); s != "" {
		reviewed, err := strconv.ParseBool(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "reviewed must be a boolean",
			})
			return
		}
		filter.Reviewed = &reviewed
	}

	list := h.svc.ListAlerts(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": list,
		"count":  len(list),
	})
}

// AlertSummary returns open alert counts per severity.
func (h *Handler) AlertSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.AlertSummary())
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.Alert(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// DecisionRequest is the request body for POST /transactions/{id}/decisions.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

// RecordDecision records a moderator's verdict. The moderator comes from the
// X-Moderator-ID header.
func (h *Handler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	decision, ok := domain.ParseStatus(req.Decision)
	if !ok {
		writeError(w, domain.ErrInvalidDecision)
		return
	}
	moderator := GetModeratorID(ctx)
	if moderator == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": ModeratorIDHeader + " header is required",
		})
		return
	}

	d, err := h.svc.RecordDecision(ctx, chi.URLParam(r, "id"), decision, moderator, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetDecisions returns the decision history and current state.
func (h *Handler) GetDecisions(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Decisions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ============================================================================
// BACKTEST HANDLERS
// ============================================================================

// Backtest evaluates a candidate change against the labeled corpus.
func (h *Handler) Backtest(w http.ResponseWriter, r *http.Request) {
	var cand domain.Candidate
	if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	result, err := h.svc.Backtest(r.Context(), cand)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Sweep runs a backtest per candidate condition value.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var req service.SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	resp, err := h.svc.Sweep(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ImportCorpus stores historical labeled transactions for backtesting.
func (h *Handler) ImportCorpus(w http.ResponseWriter, r *http.Request) {
	var corpus []domain.LabeledTransaction
	if err := json.NewDecoder(r.Body).Decode(&corpus); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "body must be a JSON array of labeled transactions",
		})
		return
	}

	summary, err := h.svc.ImportLabeled(r.Context(), corpus)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRuleNotFound),
		errors.Is(err, domain.ErrAlertNotFound),
		errors.Is(err, domain.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateID),
		errors.Is(err, domain.ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, domain.ErrUnknownField),
		errors.Is(err, domain.ErrInvalidTransaction),
		errors.Is(err, domain.ErrInvalidDecision):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

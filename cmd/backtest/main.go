// Backtest replays a labeled transaction corpus against a rule set and a
// candidate change, and reports detection and false positive rates.
//
// Usage:
//
//	go run ./cmd/backtest -rules rules.json -corpus labeled.csv -candidate change.json
//	go run ./cmd/backtest -rules rules.json -corpus labeled.csv -sweep-rule high-amount -sweep-values 5000,10000,15000
//
// The corpus CSV needs the columns id, user_id, amount and label. The columns
// timestamp, location and payment_method are optional; any other column is
// loaded as a transaction attribute typed by the configured schema.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/opensource-finance/kestrel/internal/backtest"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/sets"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (schema, sets, derived attributes)")
	rulesPath := flag.String("rules", "", "Path to a JSON array of rules")
	corpusPath := flag.String("corpus", "", "Path to the labeled corpus CSV")
	candidatePath := flag.String("candidate", "", "Path to a JSON candidate change (default: no change)")
	threshold := flag.Int("threshold", 0, "Alert threshold (default: from config)")
	sweepRule := flag.String("sweep-rule", "", "Rule to sweep instead of running a single backtest")
	sweepIndex := flag.Int("sweep-index", 0, "Condition index of the swept rule")
	sweepValues := flag.String("sweep-values", "", "Comma-separated condition values to try")
	maxFPRDelta := flag.Float64("max-fpr-delta", 0, "False positive rate increase allowed when suggesting a sweep value")
	asJSON := flag.Bool("json", false, "Print results as JSON")
	verbose := flag.Bool("verbose", false, "Log progress")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *rulesPath == "" || *corpusPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: backtest -rules rules.json -corpus labeled.csv [options]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("failed to load configuration", err)
	}
	if *threshold > 0 {
		cfg.Scoring.AlertThreshold = *threshold
	}

	schema, err := domain.DefaultSchema().Merge(cfg.Schema.Attributes)
	if err != nil {
		fatal("invalid schema", err)
	}
	registry := rules.NewRegistry(rules.NewEvaluator(schema, sets.NewStore(cfg.Sets.Static)))
	n, err := loadRules(*rulesPath, registry)
	if err != nil {
		fatal("failed to load rules", err)
	}

	deriver, err := enrich.NewDeriver(cfg.Enrich.Derived)
	if err != nil {
		fatal("invalid derived attributes", err)
	}

	f, err := os.Open(*corpusPath)
	if err != nil {
		fatal("failed to open corpus", err)
	}
	corpus, err := readCorpus(f, schema, deriver)
	f.Close()
	if err != nil {
		fatal("failed to read corpus", err)
	}
	slog.Info("inputs loaded", "rules", n, "transactions", len(corpus))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := backtest.NewSimulator(registry, cfg.Scoring.AlertThreshold)

	if *sweepRule != "" {
		values := splitValues(*sweepValues)
		points, err := sim.Sweep(ctx, *sweepRule, *sweepIndex, values, corpus)
		if err != nil {
			fatal("sweep failed", err)
		}
		best, ok := backtest.BestSweepPoint(points, *maxFPRDelta)
		if *asJSON {
			out := map[string]any{"points": points}
			if ok {
				out["suggestion"] = best
			}
			writeJSON(os.Stdout, out)
			return
		}
		printSweep(os.Stdout, points, best, ok)
		return
	}

	cand := domain.Candidate{
		Kind:           domain.CandidateAlertThreshold,
		AlertThreshold: cfg.Scoring.AlertThreshold,
	}
	if *candidatePath != "" {
		if cand, err = loadCandidate(*candidatePath); err != nil {
			fatal("failed to load candidate", err)
		}
	}

	result, err := sim.Simulate(ctx, cand, corpus)
	if err != nil {
		fatal("backtest failed", err)
	}
	if *asJSON {
		writeJSON(os.Stdout, result)
		return
	}
	printResult(os.Stdout, result)
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func loadRules(path string, registry *rules.Registry) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var list []*domain.Rule
	if err := json.Unmarshal(data, &list); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, rule := range list {
		if _, err := registry.Create(rule); err != nil {
			return 0, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return len(list), nil
}

func loadCandidate(path string) (domain.Candidate, error) {
	var cand domain.Candidate
	data, err := os.ReadFile(path)
	if err != nil {
		return cand, err
	}
	if err := json.Unmarshal(data, &cand); err != nil {
		return cand, fmt.Errorf("parse %s: %w", path, err)
	}
	return cand, nil
}

func splitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func printResult(w io.Writer, r *domain.BacktestResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Scanned:\t%d\n", r.Scanned)
	fmt.Fprintf(tw, "Candidate:\t%s\n", r.Candidate.Kind)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "\tLIVE\tCANDIDATE\tDELTA")
	fmt.Fprintf(tw, "Detection rate\t%.4f\t%.4f\t%+.4f\n", r.Baseline.DetectionRate, r.Proposed.DetectionRate, r.DetectionRateDelta)
	fmt.Fprintf(tw, "False positive rate\t%.4f\t%.4f\t%+.4f\n", r.Baseline.FalsePositiveRate, r.Proposed.FalsePositiveRate, r.FalsePositiveRateDelta)
	fmt.Fprintf(tw, "Flagged\t%d\t%d\t\n", r.Baseline.Flagged, r.Proposed.Flagged)
	fmt.Fprintf(tw, "Detected\t%d\t%d\t\n", r.Baseline.Buckets.Detected, r.Proposed.Buckets.Detected)
	fmt.Fprintf(tw, "Missed\t%d\t%d\t\n", r.Baseline.Buckets.Missed, r.Proposed.Buckets.Missed)
	fmt.Fprintf(tw, "False positives\t%d\t%d\t\n", r.Baseline.Buckets.FalsePositive, r.Proposed.Buckets.FalsePositive)
	fmt.Fprintf(tw, "True negatives\t%d\t%d\t\n", r.Baseline.Buckets.TrueNegative, r.Proposed.Buckets.TrueNegative)
	fmt.Fprintf(tw, "Unlabeled\t%d\t%d\t\n", r.Baseline.Buckets.Unlabeled, r.Proposed.Buckets.Unlabeled)
	tw.Flush()

	fmt.Fprintf(w, "\nNewly flagged (%d): %s\n", len(r.NewlyFlagged), strings.Join(r.NewlyFlagged, ", "))
	fmt.Fprintf(w, "No longer flagged (%d): %s\n", len(r.NoLongerFlagged), strings.Join(r.NoLongerFlagged, ", "))
	printEvaluationErrors(w, "live", r.Baseline.EvaluationErrors)
	printEvaluationErrors(w, "candidate", r.Proposed.EvaluationErrors)
}

func printEvaluationErrors(w io.Writer, config string, counts map[string]int) {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "Warning: %s rule %s failed on %d transactions\n", config, id, counts[id])
	}
}

func printSweep(w io.Writer, points []domain.SweepPoint, best domain.SweepPoint, ok bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VALUE\tDETECTION\tFPR\tDETECTION DELTA\tFPR DELTA")
	for _, p := range points {
		r := p.Result
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%+.4f\t%+.4f\n",
			p.Value, r.Proposed.DetectionRate, r.Proposed.FalsePositiveRate,
			r.DetectionRateDelta, r.FalsePositiveRateDelta)
	}
	tw.Flush()

	if ok {
		fmt.Fprintf(w, "\nSuggested value: %s\n", best.Value)
	} else {
		fmt.Fprintln(w, "\nNo value stays within the false positive budget.")
	}
}

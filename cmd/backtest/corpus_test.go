package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/backtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/sets"
)

const sampleCorpus = `id,user_id,amount,timestamp,location,label,account_verified,merchant_category,risk_band
f1,u1,12500,2024-05-01T02:30:00Z,Lagos,Fraud,false,electronics,7
g1,u2,40.50,2024-05-01T14:00:00Z,Berlin,genuine,true,grocery,
u1,u3,300,,Paris,,,,
`

func TestReadCorpus(t *testing.T) {
	deriver, err := enrich.NewDeriver(map[string]string{"hour": "ts.getHours()"})
	if err != nil {
		t.Fatalf("NewDeriver failed: %v", err)
	}

	corpus, err := readCorpus(strings.NewReader(sampleCorpus), domain.DefaultSchema(), deriver)
	if err != nil {
		t.Fatalf("readCorpus failed: %v", err)
	}
	if len(corpus) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(corpus))
	}

	t.Run("TypedAttributes", func(t *testing.T) {
		tx := corpus[0].Transaction
		if corpus[0].Label != domain.StatusFraud {
			t.Errorf("expected Fraud, got %s", corpus[0].Label)
		}
		if v := tx.Attributes["account_verified"]; v.Kind != domain.KindBool || v.Bool {
			t.Errorf("expected account_verified=false, got %+v", v)
		}
		if v := tx.Attributes["merchant_category"]; v.Kind != domain.KindString || v.String != "electronics" {
			t.Errorf("unexpected merchant_category %+v", v)
		}
		// Undeclared columns are inferred.
		if v := tx.Attributes["risk_band"]; v.Kind != domain.KindNumber || v.Number.IntPart() != 7 {
			t.Errorf("unexpected risk_band %+v", v)
		}
		if v := tx.Attributes["hour"]; v.Kind != domain.KindNumber || v.Number.IntPart() != 2 {
			t.Errorf("expected derived hour 2, got %+v", v)
		}
	})

	t.Run("LabelsAndBlanks", func(t *testing.T) {
		if corpus[1].Label != domain.StatusGenuine {
			t.Errorf("expected Genuine, got %s", corpus[1].Label)
		}
		if _, ok := corpus[1].Transaction.Attributes["risk_band"]; ok {
			t.Error("blank cells should not become attributes")
		}
		if corpus[2].Label != domain.StatusUnknown {
			t.Errorf("expected blank label to be Unknown, got %s", corpus[2].Label)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		cases := map[string]string{
			"missing column": "id,amount,label\nx,1,Fraud\n",
			"bad amount":     "id,user_id,amount,label\nx,u,abc,Fraud\n",
			"bad label":      "id,user_id,amount,label\nx,u,1,Maybe\n",
			"bad bool":       "id,user_id,amount,label,new_device\nx,u,1,Fraud,perhaps\n",
			"bad timestamp":  "id,user_id,amount,label,timestamp\nx,u,1,Fraud,yesterday\n",
		}
		for name, input := range cases {
			if _, err := readCorpus(strings.NewReader(input), domain.DefaultSchema(), nil); err == nil {
				t.Errorf("%s: expected error", name)
			}
		}
	})
}

func TestBacktestOutput(t *testing.T) {
	registry := rules.NewRegistry(rules.NewEvaluator(domain.DefaultSchema(), sets.NewStore(nil)))
	_, err := registry.Create(&domain.Rule{
		ID:            "high-amount",
		Name:          "High amount",
		RiskThreshold: 80,
		Conditions: []domain.RuleCondition{
			{Condition: domain.Condition{Field: "amount", Operator: domain.OpGt, Value: "10000"}},
		},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	corpus, err := readCorpus(strings.NewReader(sampleCorpus), domain.DefaultSchema(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sim := backtest.NewSimulator(registry, 70)
	result, err := sim.Simulate(ctx, domain.Candidate{
		Kind:          domain.CandidateRuleThreshold,
		RuleID:        "high-amount",
		RiskThreshold: 50,
	}, corpus)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}

	var buf bytes.Buffer
	printResult(&buf, result)
	out := buf.String()
	for _, want := range []string{"Scanned:", "Detection rate", "1.0000", "No longer flagged (1): f1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

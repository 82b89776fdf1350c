package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/shopspring/decimal"
)

var requiredColumns = []string{"id", "user_id", "amount", "label"}

// readCorpus parses a labeled CSV corpus. Rows are returned in file order.
func readCorpus(r io.Reader, schema domain.FieldSchema, deriver *enrich.Deriver) ([]domain.LabeledTransaction, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	var corpus []domain.LabeledTransaction
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		lt, err := parseRow(record, cols, schema)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		if deriver != nil {
			attrs, err := deriver.Derive(lt.Transaction)
			if err != nil {
				slog.Warn("derived attributes failed", "tx_id", lt.Transaction.ID, "error", err)
			}
			lt.Transaction = lt.Transaction.WithAttributes(attrs)
		}
		corpus = append(corpus, lt)
	}
	return corpus, nil
}

func parseRow(record []string, cols map[string]int, schema domain.FieldSchema) (domain.LabeledTransaction, error) {
	get := func(name string) string {
		if i, ok := cols[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	amount, err := decimal.NewFromString(get("amount"))
	if err != nil {
		return domain.LabeledTransaction{}, fmt.Errorf("invalid amount %q", get("amount"))
	}

	label := domain.StatusUnknown
	if s := get("label"); s != "" {
		var ok bool
		if label, ok = domain.ParseStatus(s); !ok {
			return domain.LabeledTransaction{}, fmt.Errorf("invalid label %q", s)
		}
	}

	tx := &domain.Transaction{
		ID:            get("id"),
		UserID:        get("user_id"),
		Amount:        amount,
		Location:      get("location"),
		PaymentMethod: get("payment_method"),
		Attributes:    make(map[string]domain.AttributeValue),
	}
	if tx.ID == "" {
		return domain.LabeledTransaction{}, fmt.Errorf("id is required")
	}
	if s := get("timestamp"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return domain.LabeledTransaction{}, fmt.Errorf("invalid timestamp %q", s)
		}
		tx.Timestamp = ts.UTC()
	}

	for name, i := range cols {
		if isFixedColumn(name) || i >= len(record) {
			continue
		}
		raw := strings.TrimSpace(record[i])
		if raw == "" {
			continue
		}
		v, err := parseAttribute(schema, name, raw)
		if err != nil {
			return domain.LabeledTransaction{}, fmt.Errorf("column %s: %w", name, err)
		}
		tx.Attributes[name] = v
	}

	return domain.LabeledTransaction{Transaction: tx, Label: label}, nil
}

func isFixedColumn(name string) bool {
	switch name {
	case "id", "user_id", "amount", "label", "timestamp", "location", "payment_method":
		return true
	}
	return false
}

// parseAttribute types a cell by the schema, falling back to inference.
func parseAttribute(schema domain.FieldSchema, name, raw string) (domain.AttributeValue, error) {
	typ, ok := schema[name]
	if !ok {
		typ = domain.InferFieldType(domain.OpEq, raw)
	}
	switch typ {
	case domain.TypeNumber:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return domain.AttributeValue{}, fmt.Errorf("invalid number %q", raw)
		}
		return domain.NumberValue(d), nil
	case domain.TypeBool:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			return domain.AttributeValue{}, fmt.Errorf("invalid bool %q", raw)
		}
		return domain.BoolValue(b), nil
	}
	return domain.StringValue(raw), nil
}

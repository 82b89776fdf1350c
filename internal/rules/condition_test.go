package rules

import (
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/sets"
	"github.com/shopspring/decimal"
)

func testTx() *domain.Transaction {
	return &domain.Transaction{
		ID:            "tx-001",
		UserID:        "user-001",
		Amount:        decimal.RequireFromString("12500"),
		Location:      "Lagos, Nigeria",
		PaymentMethod: "card",
		Attributes: map[string]domain.AttributeValue{
			"account_verified":      domain.BoolValue(false),
			"transaction_count_1hr": domain.NumberValue(decimal.NewFromInt(7)),
			"merchant_id":           domain.StringValue("m-666"),
			"merchant_category":     domain.StringValue("gambling"),
		},
	}
}

func cond(field string, op domain.Operator, value string) domain.Condition {
	return domain.Condition{Field: field, Operator: op, Value: value}
}

func TestEvaluateCondition(t *testing.T) {
	tx := testTx()
	blacklist := sets.NewStore(map[string][]string{"blacklist": {"m-666"}})

	tests := []struct {
		name string
		cond domain.Condition
		want bool
	}{
		{"NumberGreater", cond("amount", domain.OpGt, "10000"), true},
		{"NumberGreaterFalse", cond("amount", domain.OpGt, "12500"), false},
		{"NumberGreaterOrEqual", cond("amount", domain.OpGte, "12500"), true},
		{"NumberLess", cond("amount", domain.OpLt, "12500.01"), true},
		{"NumberLessOrEqual", cond("transaction_count_1hr", domain.OpLte, "6"), false},
		{"NumberEqualDecimal", cond("amount", domain.OpEq, "12500.00"), true},
		{"NumberNotEqual", cond("amount", domain.OpNeq, "1"), true},
		{"BoolEqual", cond("account_verified", domain.OpEq, "false"), true},
		{"BoolNotEqual", cond("account_verified", domain.OpNeq, "false"), false},
		{"StringEqual", cond("payment_method", domain.OpEq, "card"), true},
		{"StringEqualIsCaseSensitive", cond("payment_method", domain.OpEq, "Card"), false},
		{"StringNotEqual", cond("payment_method", domain.OpNeq, "wire"), true},
		{"StringContains", cond("location", domain.OpContains, "nigeria"), true},
		{"StringContainsFalse", cond("location", domain.OpContains, "Kenya"), false},
		{"SetIn", cond("merchant_id", domain.OpIn, "blacklist"), true},
		{"SetNotIn", cond("user_id", domain.OpIn, "blacklist"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.cond, tx, blacklist)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("EvaluateCondition(%v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluateConditionErrors(t *testing.T) {
	tx := testTx()
	store := sets.NewStore(map[string][]string{"blacklist": {"m-666"}})

	tests := []struct {
		name string
		cond domain.Condition
		want error
	}{
		{"UnknownField", cond("ip_is_vpn", domain.OpEq, "true"), domain.ErrUnknownField},
		{"ContainsOnNumber", cond("amount", domain.OpContains, "12"), domain.ErrTypeMismatch},
		{"OrderingOnBool", cond("account_verified", domain.OpGt, "false"), domain.ErrTypeMismatch},
		{"OrderingOnString", cond("location", domain.OpLt, "M"), domain.ErrTypeMismatch},
		{"NonNumericValue", cond("amount", domain.OpGt, "lots"), domain.ErrTypeMismatch},
		{"NonBoolValue", cond("account_verified", domain.OpEq, "no"), domain.ErrTypeMismatch},
		{"InOnBool", cond("account_verified", domain.OpIn, "blacklist"), domain.ErrTypeMismatch},
		{"UnknownSet", cond("merchant_id", domain.OpIn, "whitelist"), domain.ErrUnknownSet},
		{"UnknownOperator", cond("amount", "~", "1"), domain.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EvaluateCondition(tt.cond, tx, store)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTypeMismatchIsConfigurationError(t *testing.T) {
	_, err := EvaluateCondition(cond("amount", domain.OpContains, "1"), testTx(), nil)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected type mismatch to be a configuration error, got %v", err)
	}
}

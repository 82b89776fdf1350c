package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// condition is a Condition with its field type resolved and its value
// coerced, ready to be matched against transactions.
type condition struct {
	domain.Condition
	combiner domain.Combiner
	typ      domain.FieldType

	num decimal.Decimal
	b   bool
	str string
}

// compileCondition checks that op suits typ and coerces the literal value.
// For set conditions the value names the set; when sets is non-nil the set
// must exist.
func compileCondition(c domain.Condition, typ domain.FieldType, sets domain.SetResolver) (condition, error) {
	cc := condition{Condition: c, typ: typ}

	if strings.TrimSpace(c.Field) == "" {
		return cc, fmt.Errorf("%w: condition field is required", domain.ErrConfiguration)
	}
	if !c.Operator.Valid() {
		return cc, fmt.Errorf("%w: unknown operator %q", domain.ErrConfiguration, c.Operator)
	}
	if !typ.Supports(c.Operator) {
		return cc, fmt.Errorf("%w: %s %s on %s field", domain.ErrTypeMismatch, c.Field, c.Operator, typ)
	}

	value := strings.TrimSpace(c.Value)
	switch typ {
	case domain.TypeNumber:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return cc, fmt.Errorf("%w: %s expects a number, got %q", domain.ErrTypeMismatch, c.Field, c.Value)
		}
		cc.num = d
	case domain.TypeBool:
		b, err := parseBool(value)
		if err != nil {
			return cc, fmt.Errorf("%w: %s expects true or false, got %q", domain.ErrTypeMismatch, c.Field, c.Value)
		}
		cc.b = b
	case domain.TypeSet:
		if value == "" {
			return cc, fmt.Errorf("%w: %s requires a set name", domain.ErrConfiguration, c.Field)
		}
		if sets != nil && !sets.HasSet(value) {
			return cc, fmt.Errorf("%w: %q", domain.ErrUnknownSet, value)
		}
		cc.str = value
	default:
		// Strings keep the literal as written.
		cc.str = c.Value
	}
	return cc, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, strconv.ErrSyntax
}

// match evaluates the condition against a present field value.
func (c condition) match(v domain.AttributeValue, sets domain.SetResolver) (bool, error) {
	switch c.typ {
	case domain.TypeNumber:
		if v.Kind != domain.KindNumber {
			return false, c.kindMismatch(v)
		}
		cmp := v.Number.Cmp(c.num)
		switch c.Operator {
		case domain.OpEq:
			return cmp == 0, nil
		case domain.OpNeq:
			return cmp != 0, nil
		case domain.OpGt:
			return cmp > 0, nil
		case domain.OpLt:
			return cmp < 0, nil
		case domain.OpGte:
			return cmp >= 0, nil
		case domain.OpLte:
			return cmp <= 0, nil
		}

	case domain.TypeBool:
		if v.Kind != domain.KindBool {
			return false, c.kindMismatch(v)
		}
		if c.Operator == domain.OpEq {
			return v.Bool == c.b, nil
		}
		return v.Bool != c.b, nil

	case domain.TypeString:
		if v.Kind != domain.KindString {
			return false, c.kindMismatch(v)
		}
		switch c.Operator {
		case domain.OpEq:
			return v.String == c.str, nil
		case domain.OpNeq:
			return v.String != c.str, nil
		case domain.OpContains:
			return strings.Contains(strings.ToLower(v.String), strings.ToLower(c.str)), nil
		}

	case domain.TypeSet:
		if v.Kind == domain.KindBool {
			return false, c.kindMismatch(v)
		}
		if sets == nil {
			return false, fmt.Errorf("%w: %q", domain.ErrUnknownSet, c.str)
		}
		found, ok := sets.Contains(c.str, v.Text())
		if !ok {
			return false, fmt.Errorf("%w: %q", domain.ErrUnknownSet, c.str)
		}
		return found, nil
	}

	return false, fmt.Errorf("%w: %s %s on %s field", domain.ErrTypeMismatch, c.Field, c.Operator, c.typ)
}

func (c condition) kindMismatch(v domain.AttributeValue) error {
	return fmt.Errorf("%w: %s is declared %s but the transaction carries a %s",
		domain.ErrTypeMismatch, c.Field, c.typ, v.Kind)
}

// EvaluateCondition evaluates a single condition against a transaction. The
// field type is taken from the value the transaction carries ("in" always
// means set membership). It returns ErrUnknownField when the field is neither
// in the fixed schema nor in the attribute bag, ErrTypeMismatch when the
// operator or value does not suit the field, and ErrUnknownSet for a set the
// resolver does not know.
func EvaluateCondition(c domain.Condition, tx *domain.Transaction, sets domain.SetResolver) (bool, error) {
	v, ok := tx.Field(c.Field)
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownField, c.Field)
	}

	typ := kindType(v.Kind)
	if c.Operator == domain.OpIn {
		typ = domain.TypeSet
	}

	cc, err := compileCondition(c, typ, sets)
	if err != nil {
		return false, err
	}
	return cc.match(v, sets)
}

func kindType(k domain.AttributeKind) domain.FieldType {
	switch k {
	case domain.KindNumber:
		return domain.TypeNumber
	case domain.KindBool:
		return domain.TypeBool
	default:
		return domain.TypeString
	}
}

package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FieldType is the declared type of a condition field.
type FieldType string

const (
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeString FieldType = "string"

	// TypeSet fields are matched by membership in a named set.
	TypeSet FieldType = "set"
)

// ParseFieldType validates a configured field type name.
func ParseFieldType(s string) (FieldType, error) {
	switch FieldType(strings.ToLower(s)) {
	case TypeNumber:
		return TypeNumber, nil
	case TypeBool:
		return TypeBool, nil
	case TypeString:
		return TypeString, nil
	case TypeSet:
		return TypeSet, nil
	}
	return "", fmt.Errorf("%w: unknown field type %q", ErrConfiguration, s)
}

// Supports reports whether op may be applied to a field of type t.
func (t FieldType) Supports(op Operator) bool {
	switch t {
	case TypeNumber:
		switch op {
		case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte:
			return true
		}
	case TypeBool:
		return op == OpEq || op == OpNeq
	case TypeString:
		return op == OpEq || op == OpNeq || op == OpContains
	case TypeSet:
		return op == OpIn
	}
	return false
}

// FieldSchema maps field names to their declared types. Fields missing from
// the schema have their type inferred from the condition.
type FieldSchema map[string]FieldType

// BuiltinSchema returns the types of the fixed transaction fields.
func BuiltinSchema() FieldSchema {
	return FieldSchema{
		FieldAmount:        TypeNumber,
		FieldUserID:        TypeString,
		FieldLocation:      TypeString,
		FieldPaymentMethod: TypeString,
	}
}

// DefaultSchema returns the builtin schema plus the attributes produced by
// ingestion enrichment and commonly sent by upstream systems.
func DefaultSchema() FieldSchema {
	s := BuiltinSchema()
	s["account_verified"] = TypeBool
	s["new_device"] = TypeBool
	s["ip_is_vpn"] = TypeBool
	s["transaction_count_1hr"] = TypeNumber
	s["total_amount_1hr"] = TypeNumber
	s["hour"] = TypeNumber
	s["merchant_category"] = TypeString
	s["account_type"] = TypeString
	s["merchant_id"] = TypeSet
	return s
}

// Merge returns a copy of s with the given declarations added. Builtin
// fields cannot be redeclared.
func (s FieldSchema) Merge(decl map[string]string) (FieldSchema, error) {
	out := make(FieldSchema, len(s)+len(decl))
	for k, v := range s {
		out[k] = v
	}
	builtin := BuiltinSchema()
	for name, typ := range decl {
		ft, err := ParseFieldType(typ)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		if bt, ok := builtin[name]; ok && bt != ft {
			return nil, fmt.Errorf("%w: field %s is %s", ErrTypeMismatch, name, bt)
		}
		out[name] = ft
	}
	return out, nil
}

// Resolve returns the type of the condition's field, inferring it from the
// operator and value when the field is not declared.
func (s FieldSchema) Resolve(c Condition) FieldType {
	if t, ok := s[c.Field]; ok {
		return t
	}
	return InferFieldType(c.Operator, c.Value)
}

// InferFieldType guesses a field type from how a condition uses it.
func InferFieldType(op Operator, value string) FieldType {
	switch op {
	case OpGt, OpLt, OpGte, OpLte:
		return TypeNumber
	case OpContains:
		return TypeString
	case OpIn:
		return TypeSet
	}
	v := strings.TrimSpace(value)
	if strings.EqualFold(v, "true") || strings.EqualFold(v, "false") {
		return TypeBool
	}
	if _, err := decimal.NewFromString(v); err == nil {
		return TypeNumber
	}
	return TypeString
}

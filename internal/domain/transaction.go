package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an ingested payment. It is never mutated after ingestion;
// attributes are resolved once when the record is built.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
	Location      string          `json:"location"`
	PaymentMethod string          `json:"paymentMethod"`
	Description   string          `json:"description,omitempty"`

	// Attributes holds fields outside the fixed schema, e.g. new_device,
	// ip_is_vpn or transaction_count_1hr.
	Attributes map[string]AttributeValue `json:"attributes,omitempty"`
}

// Fixed-schema field names addressable from conditions.
const (
	FieldAmount        = "amount"
	FieldUserID        = "user_id"
	FieldLocation      = "location"
	FieldPaymentMethod = "payment_method"
)

// Field resolves a condition field against the fixed schema first and the
// attribute bag second.
func (t *Transaction) Field(name string) (AttributeValue, bool) {
	switch name {
	case FieldAmount:
		return NumberValue(t.Amount), true
	case FieldUserID:
		return StringValue(t.UserID), true
	case FieldLocation:
		return StringValue(t.Location), true
	case FieldPaymentMethod:
		return StringValue(t.PaymentMethod), true
	}
	v, ok := t.Attributes[name]
	return v, ok
}

// WithAttributes returns a copy of t with attrs merged over its attribute bag.
// Ingestion uses it to build the final immutable record.
func (t *Transaction) WithAttributes(attrs map[string]AttributeValue) *Transaction {
	cp := *t
	cp.Attributes = make(map[string]AttributeValue, len(t.Attributes)+len(attrs))
	for k, v := range t.Attributes {
		cp.Attributes[k] = v
	}
	for k, v := range attrs {
		cp.Attributes[k] = v
	}
	return &cp
}

// AttributeKind tags the variant held by an AttributeValue.
type AttributeKind string

const (
	KindNumber AttributeKind = "number"
	KindBool   AttributeKind = "bool"
	KindString AttributeKind = "string"
)

// AttributeValue is a tagged value: exactly one of Number, Bool or String is
// meaningful, selected by Kind.
type AttributeValue struct {
	Kind   AttributeKind
	Number decimal.Decimal
	Bool   bool
	String string
}

func NumberValue(d decimal.Decimal) AttributeValue {
	return AttributeValue{Kind: KindNumber, Number: d}
}

func BoolValue(b bool) AttributeValue {
	return AttributeValue{Kind: KindBool, Bool: b}
}

func StringValue(s string) AttributeValue {
	return AttributeValue{Kind: KindString, String: s}
}

// AttributeFromAny converts a decoded JSON value into an AttributeValue.
func AttributeFromAny(v any) (AttributeValue, error) {
	switch x := v.(type) {
	case bool:
		return BoolValue(x), nil
	case string:
		return StringValue(x), nil
	case float64:
		return NumberValue(decimal.NewFromFloat(x)), nil
	case float32:
		return NumberValue(decimal.NewFromFloat32(x)), nil
	case int:
		return NumberValue(decimal.NewFromInt(int64(x))), nil
	case int64:
		return NumberValue(decimal.NewFromInt(x)), nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return AttributeValue{}, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return NumberValue(d), nil
	case decimal.Decimal:
		return NumberValue(x), nil
	default:
		return AttributeValue{}, fmt.Errorf("unsupported attribute type %T", v)
	}
}

// AttributesFromMap converts a decoded JSON object into an attribute bag.
func AttributesFromMap(m map[string]any) (map[string]AttributeValue, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]AttributeValue, len(m))
	for k, v := range m {
		av, err := AttributeFromAny(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

// Text renders the value the way a condition literal would be written.
func (v AttributeValue) Text() string {
	switch v.Kind {
	case KindNumber:
		return v.Number.String()
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.String
	}
}

// MarshalJSON encodes the value as a plain JSON scalar.
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return []byte(v.Number.String()), nil
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return json.Marshal(v.String)
	}
}

// UnmarshalJSON decodes a JSON scalar, keeping numbers exact.
func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	av, err := AttributeFromAny(raw)
	if err != nil {
		return err
	}
	*v = av
	return nil
}

// TransactionRequest is the ingestion payload.
type TransactionRequest struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
	Location      string          `json:"location"`
	PaymentMethod string          `json:"paymentMethod"`
	Description   string          `json:"description,omitempty"`
	Attributes    map[string]any  `json:"attributes,omitempty"`
}

// Validate checks the fields the external feed guarantees.
func (r *TransactionRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("amount must be non-negative")
	}
	return nil
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction() (*Transaction, error) {
	attrs, err := AttributesFromMap(r.Attributes)
	if err != nil {
		return nil, err
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &Transaction{
		ID:            r.ID,
		UserID:        r.UserID,
		Amount:        r.Amount,
		Timestamp:     ts.UTC(),
		Location:      r.Location,
		PaymentMethod: r.PaymentMethod,
		Description:   r.Description,
		Attributes:    attrs,
	}, nil
}

// LabeledTransaction is a historical transaction with its ground-truth status.
type LabeledTransaction struct {
	Transaction *Transaction      `json:"transaction"`
	Label       TransactionStatus `json:"label"`
}

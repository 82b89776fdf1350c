package enrich

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

type derivation struct {
	name    string
	program cel.Program
}

// Deriver computes configured attributes from CEL expressions at ingestion,
// e.g. hour = ts.getHours().
type Deriver struct {
	derivations []derivation
}

// NewDeriver compiles the expressions, keyed by attribute name.
func NewDeriver(exprs map[string]string) (*Deriver, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	d := &Deriver{derivations: make([]derivation, 0, len(names))}
	for _, name := range names {
		program, err := compile(env, "attribute "+name, exprs[name],
			cel.BoolType, cel.IntType, cel.DoubleType, cel.StringType)
		if err != nil {
			return nil, err
		}
		d.derivations = append(d.derivations, derivation{name: name, program: program})
	}
	return d, nil
}

// Names returns the derived attribute names in evaluation order.
func (d *Deriver) Names() []string {
	out := make([]string, len(d.derivations))
	for i, dv := range d.derivations {
		out[i] = dv.name
	}
	return out
}

// Derive evaluates every expression against tx. Attributes tx already
// carries are not overwritten. Failed expressions are reported together;
// the values that did evaluate are still returned.
func (d *Deriver) Derive(tx *domain.Transaction) (map[string]domain.AttributeValue, error) {
	out := make(map[string]domain.AttributeValue, len(d.derivations))
	if len(d.derivations) == 0 {
		return out, nil
	}

	act := activation(tx)
	var errs []error
	for _, dv := range d.derivations {
		if _, exists := tx.Attributes[dv.name]; exists {
			continue
		}
		val, _, err := dv.program.Eval(act)
		if err != nil {
			errs = append(errs, fmt.Errorf("attribute %s: %w", dv.name, err))
			continue
		}
		av, err := toAttribute(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("attribute %s: %w", dv.name, err))
			continue
		}
		out[dv.name] = av
	}
	return out, errors.Join(errs...)
}

// toAttribute converts a CEL value to an attribute value.
func toAttribute(val ref.Val) (domain.AttributeValue, error) {
	switch v := val.(type) {
	case types.Bool:
		return domain.BoolValue(bool(v)), nil
	case types.Int:
		return domain.NumberValue(decimal.NewFromInt(int64(v))), nil
	case types.Double:
		return domain.NumberValue(decimal.NewFromFloat(float64(v))), nil
	case types.String:
		return domain.StringValue(string(v)), nil
	}
	return domain.AttributeValue{}, fmt.Errorf("%w: unsupported result type %s", domain.ErrTypeMismatch, val.Type())
}

// Package enrich computes CEL-derived transaction attributes and the
// baseline risk model.
package enrich

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewEnv creates the CEL environment expressions are compiled in.
//
// Variables:
//
//	tx             map of the attribute bag
//	amount         double
//	user_id        string
//	location       string
//	payment_method string
//	ts             timestamp of the transaction
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("ts", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// activation builds the variable bindings for tx.
func activation(tx *domain.Transaction) map[string]any {
	bag := make(map[string]any, len(tx.Attributes))
	for k, v := range tx.Attributes {
		switch v.Kind {
		case domain.KindNumber:
			bag[k] = v.Number.InexactFloat64()
		case domain.KindBool:
			bag[k] = v.Bool
		default:
			bag[k] = v.String
		}
	}

	return map[string]any{
		"tx":             bag,
		"amount":         tx.Amount.InexactFloat64(),
		"user_id":        tx.UserID,
		"location":       tx.Location,
		"payment_method": tx.PaymentMethod,
		"ts":             tx.Timestamp.UTC(),
	}
}

func compile(env *cel.Env, name, expr string, allowed ...*cel.Type) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile %s: %v", domain.ErrConfiguration, name, issues.Err())
	}

	out := ast.OutputType()
	ok := out == cel.DynType
	for _, t := range allowed {
		if out == t {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s returns unsupported type %s", domain.ErrConfiguration, name, out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %s: %w", name, err)
	}
	return program, nil
}

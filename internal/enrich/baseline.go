package enrich

import (
	"context"
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Model is a baseline risk model expressed in CEL. It scores transactions
// no rule flags. A bool result scores 100 or 0; numeric results are rounded
// and clamped to 0-100.
type Model struct {
	expr    string
	program cel.Program
}

// NewModel compiles a baseline expression, for example
//
//	tx.new_device && amount > 5000.0 ? 72 : 0
func NewModel(expr string) (*Model, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}
	program, err := compile(env, "baseline model", expr, cel.BoolType, cel.IntType, cel.DoubleType)
	if err != nil {
		return nil, err
	}
	return &Model{expr: expr, program: program}, nil
}

// Expression returns the source expression.
func (m *Model) Expression() string {
	return m.expr
}

// Score evaluates the model against tx.
func (m *Model) Score(ctx context.Context, tx *domain.Transaction) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	out, _, err := m.program.Eval(activation(tx))
	if err != nil {
		return 0, fmt.Errorf("baseline evaluation error: %w", err)
	}
	return toScore(out)
}

// toScore converts a CEL value to a risk score.
func toScore(val ref.Val) (int, error) {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 100, nil
		}
		return 0, nil
	case types.Double:
		return domain.ClampScore(int(math.Round(float64(v)))), nil
	case types.Int:
		return domain.ClampScore(int(v)), nil
	}
	return 0, fmt.Errorf("%w: baseline returned %s", domain.ErrTypeMismatch, val.Type())
}

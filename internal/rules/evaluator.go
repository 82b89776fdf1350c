package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator compiles and evaluates rules against transactions.
//
// Conditions are combined by a strict left-to-right fold with no operator
// precedence: "a OR b AND c" is "(a OR b) AND c". The first condition seeds
// the accumulator; each later condition is folded in with its combiner. A
// condition that cannot change the accumulator (false AND x, true OR x) is
// not evaluated. A rule with no conditions never fires.
//
// A condition whose field is absent from the transaction is false and the
// fold continues. A field carrying a value of the wrong kind is an error.
// Rule status is ignored; callers decide which rules to evaluate.
type Evaluator struct {
	schema domain.FieldSchema
	sets   domain.SetResolver
}

// NewEvaluator creates an evaluator. A nil schema means the builtin schema;
// a nil set resolver makes every "in" condition fail with ErrUnknownSet.
func NewEvaluator(schema domain.FieldSchema, sets domain.SetResolver) *Evaluator {
	if schema == nil {
		schema = domain.BuiltinSchema()
	}
	return &Evaluator{schema: schema, sets: sets}
}

// Schema returns the field schema used to resolve condition types.
func (e *Evaluator) Schema() domain.FieldSchema {
	return e.schema
}

// CompiledRule is an immutable rule snapshot with its conditions resolved.
type CompiledRule struct {
	Rule       *domain.Rule
	conditions []condition
}

// Compile validates a rule's conditions and resolves their field types. It
// does not check the rule's threshold or status.
func (e *Evaluator) Compile(rule *domain.Rule) (*CompiledRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: rule is required", domain.ErrConfiguration)
	}

	conds := make([]condition, 0, len(rule.Conditions))
	for i, rc := range rule.Conditions {
		var combiner domain.Combiner
		if i > 0 {
			switch rc.Combiner {
			case domain.CombineAnd, domain.CombineOr:
				combiner = rc.Combiner
			case "":
				return nil, fmt.Errorf("%w: rule %s condition %d has no combiner", domain.ErrConfiguration, rule.ID, i)
			default:
				return nil, fmt.Errorf("%w: rule %s condition %d has unknown combiner %q", domain.ErrConfiguration, rule.ID, i, rc.Combiner)
			}
		}

		cc, err := compileCondition(rc.Condition, e.schema.Resolve(rc.Condition), e.sets)
		if err != nil {
			return nil, fmt.Errorf("rule %s condition %d: %w", rule.ID, i, err)
		}
		cc.combiner = combiner
		conds = append(conds, cc)
	}

	return &CompiledRule{Rule: rule.Clone(), conditions: conds}, nil
}

// Evaluate compiles and evaluates rule against tx.
func (e *Evaluator) Evaluate(rule *domain.Rule, tx *domain.Transaction) (bool, error) {
	cr, err := e.Compile(rule)
	if err != nil {
		return false, err
	}
	return e.EvaluateCompiled(cr, tx)
}

// EvaluateCompiled evaluates a compiled rule against tx.
func (e *Evaluator) EvaluateCompiled(cr *CompiledRule, tx *domain.Transaction) (bool, error) {
	acc := false
	for i, c := range cr.conditions {
		if i > 0 {
			if c.combiner == domain.CombineAnd && !acc {
				continue
			}
			if c.combiner == domain.CombineOr && acc {
				continue
			}
		}

		v, ok := tx.Field(c.Field)
		if !ok {
			acc = false
			continue
		}

		matched, err := c.match(v, e.sets)
		if err != nil {
			return false, fmt.Errorf("rule %s: %w", cr.Rule.ID, err)
		}
		acc = matched
	}
	return acc, nil
}

// withRule returns a copy of cr carrying an updated rule snapshot. The
// conditions are shared; they are never mutated after compilation.
func (cr *CompiledRule) withRule(rule *domain.Rule) *CompiledRule {
	return &CompiledRule{Rule: rule, conditions: cr.conditions}
}

// WithThreshold returns a copy of cr with a different risk threshold.
func (cr *CompiledRule) WithThreshold(n int) *CompiledRule {
	r := cr.Rule.Clone()
	r.RiskThreshold = n
	return cr.withRule(r)
}

// WithStatus returns a copy of cr with a different status.
func (cr *CompiledRule) WithStatus(s domain.RuleStatus) *CompiledRule {
	r := cr.Rule.Clone()
	r.Status = s
	return cr.withRule(r)
}

package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/hireflow/pkg/schema"
)

// Engine evaluates expressions against a data map.
// Implementations: CEL and Expr (workflow conditions), GoJQ (webhook transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler is implemented by engines that can check an expression without running it.
type Compiler interface {
	Compile(expression string) error
}

// Conditions evaluates workflow conditions with the engine the condition names.
type Conditions struct {
	engines map[string]Engine
}

// NewConditions builds the condition evaluator with the cel and expr engines.
func NewConditions() (*Conditions, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Conditions{engines: map[string]Engine{
		"cel":  celEngine,
		"expr": NewExprEngine(),
	}}, nil
}

func (c *Conditions) engineFor(cond *schema.Condition) (Engine, error) {
	name := strings.ToLower(strings.TrimSpace(cond.Engine))
	if name == "" {
		name = "cel"
	}
	eng, ok := c.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition engine %q; available: cel, expr", cond.Engine)
	}
	return eng, nil
}

// Check compiles the condition without evaluating it. A nil condition is valid.
func (c *Conditions) Check(cond *schema.Condition) error {
	if cond == nil {
		return nil
	}
	eng, err := c.engineFor(cond)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cond.Expression) == "" {
		return schema.NewError(schema.ErrCodeValidation, "condition expression is empty")
	}
	if comp, ok := eng.(Compiler); ok {
		return comp.Compile(cond.Expression)
	}
	return nil
}

// Evaluate runs the condition and requires a boolean result. A nil condition always holds.
func (c *Conditions) Evaluate(ctx context.Context, cond *schema.Condition, data map[string]any) (bool, error) {
	if cond == nil {
		return true, nil
	}
	eng, err := c.engineFor(cond)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, cond.Expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q must evaluate to bool, got %s", cond.Expression, typeName(out)).
			WithDetails(map[string]any{"expression": cond.Expression})
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

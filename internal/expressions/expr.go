package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/hireflow/pkg/schema"
)

// ExprEngine implements Engine using expr-lang/expr. Conditions get the full
// expr language: nil coalescing (??), optional chaining (?.), array builtins
// (any, all, filter, count) and string operators.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Compile checks the expression against an empty condition environment.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs the expression with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := expr.Run(prg, conditionEnv(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(conditionEnv(nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// conditionEnv copies data and fills the condition variables with empty maps.
func conditionEnv(data map[string]any) map[string]any {
	env := make(map[string]any, len(data)+len(conditionVars))
	for k, v := range data {
		env[k] = v
	}
	for _, key := range conditionVars {
		if env[key] == nil {
			env[key] = map[string]any{}
		}
	}
	return env
}

var _ Engine = (*ExprEngine)(nil)

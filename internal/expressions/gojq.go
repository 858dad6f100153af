package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/hireflow/pkg/schema"
)

// GoJQEngine evaluates jq programs. Webhook actions use it to reshape the
// outgoing payload. Compiled *gojq.Code values are cached and shared across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

func (e *GoJQEngine) Name() string {
	return "jq"
}

// Compile parses and compiles the program.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs the program with data as its input. One output is returned
// as-is, several are collected into []any, none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Transform(ctx, expression, data)
}

// Transform runs the program against an arbitrary JSON-compatible input.
// Integer types are normalized to float64 first, matching jq's number model.
func (e *GoJQEngine) Transform(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// TransformJSON decodes raw, runs the program and re-encodes the result.
func (e *GoJQEngine) TransformJSON(ctx context.Context, expression string, raw []byte) ([]byte, error) {
	var input any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq input is not JSON: %s", err.Error()).WithCause(err)
		}
	}
	out, err := e.Transform(ctx, expression, input)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode jq output: %s", err.Error()).WithCause(err)
	}
	return b, nil
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// No $ENV access from workflow-authored programs.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go integer and float32 values to float64 and
// typed maps/slices to their generic forms, which is all gojq accepts.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = v
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = v
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)

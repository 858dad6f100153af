package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_ConditionVariables(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		expr string
		want any
	}{
		{`event.type == "status_changed"`, true},
		{`payload.toStatus in ["interview", "offer"]`, true},
		{`payload.score >= 80`, true},
		{`"senior" in candidate.tags`, true},
		{`any(candidate.tags, # == "remote")`, true},
		{`candidate.email endsWith "@example.com"`, true},
		{`payload.missing ?? "none"`, "none"},
		{`candidate?.phone == nil`, true},
		{`lower(payload.source)`, "referral"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(ctx, tt.expr, conditionData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_MissingVariables(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `len(candidate) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `payload.score >=`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `payload.score + "x"`, map[string]any{"payload": map[string]any{"score": 1.0}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestExpr_Compile(t *testing.T) {
	e := NewExprEngine()

	assert.NoError(t, e.Compile(`payload.toStatus == "hired"`))
	assert.Error(t, e.Compile(`payload.toStatus ==`))

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

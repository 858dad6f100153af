package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/pkg/schema"
)

func TestConditions_Evaluate(t *testing.T) {
	c, err := NewConditions()
	require.NoError(t, err)
	ctx := context.Background()
	data := testScope().ConditionData()

	ok, err := c.Evaluate(ctx, nil, data)
	require.NoError(t, err)
	assert.True(t, ok, "nil condition holds")

	ok, err = c.Evaluate(ctx, &schema.Condition{Expression: `payload.toStatus == "interview"`}, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Evaluate(ctx, &schema.Condition{Engine: "expr", Expression: `payload.score > 95`}, data)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Evaluate(ctx, &schema.Condition{Expression: `payload.toStatus`}, data)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "non-bool result")

	_, err = c.Evaluate(ctx, &schema.Condition{Engine: "lua", Expression: `true`}, data)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestConditions_Check(t *testing.T) {
	c, err := NewConditions()
	require.NoError(t, err)

	assert.NoError(t, c.Check(nil))
	assert.NoError(t, c.Check(&schema.Condition{Engine: "CEL", Expression: `event.depth == 0`}))
	assert.NoError(t, c.Check(&schema.Condition{Engine: "expr", Expression: `"x" in candidate.tags`}))
	assert.Error(t, c.Check(&schema.Condition{Expression: "  "}))
	assert.Error(t, c.Check(&schema.Condition{Expression: `event.depth ==`}))
	assert.Error(t, c.Check(&schema.Condition{Engine: "js", Expression: `true`}))
}

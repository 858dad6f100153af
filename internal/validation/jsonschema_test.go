package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/pkg/schema"
)

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.Len(t, v.triggers, len(schema.TriggerTypes))
	assert.Len(t, v.actions, len(schema.ActionTypes))
}

func TestValidateDefinition_Envelope(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateDefinition(&schema.WorkflowDefinition{
		Trigger: schema.Trigger{Type: schema.TriggerTagAdded},
	}))

	err = v.ValidateDefinition(nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = v.ValidateDefinition(&schema.WorkflowDefinition{
		Trigger:             schema.Trigger{Type: "NOPE"},
		MaxExecutionsPerDay: -3,
	})
	require.Error(t, err)
	he := err.(*schema.HireflowError)
	assert.Contains(t, he.Message, "2 errors")
	assert.Len(t, he.Details["violations"], 2)
}

func TestValidateConfigs(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateTriggerConfig(schema.TriggerScoreThreshold, json.RawMessage(`{"minScore":70}`)))
	assert.Error(t, v.ValidateTriggerConfig(schema.TriggerScoreThreshold, json.RawMessage(`{"minScore":"high"}`)))
	assert.Error(t, v.ValidateTriggerConfig(schema.TriggerInactivity, nil), "days is required")
	assert.Error(t, v.ValidateTriggerConfig("NOPE", nil))

	assert.NoError(t, v.ValidateActionConfig(schema.ActionAddNote, json.RawMessage(`{"content":"x"}`), 0))
	assert.Error(t, v.ValidateActionConfig(schema.ActionAddNote, json.RawMessage(`null`), 0))
	assert.Error(t, v.ValidateActionConfig(schema.ActionWebhook, json.RawMessage(`{"url":"https://x","method":"TRACE"}`), 0))
	assert.Error(t, v.ValidateActionConfig(schema.ActionScheduleInterview, json.RawMessage(`{"title":"x","durationMinutes":0}`), 0))

	err = v.ValidateActionConfig(schema.ActionChangeStatus, json.RawMessage(`{"status":`), 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/actions/4/config")
}

package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/hireflow/pkg/schema"
)

const schemaBase = "https://hireflow.dev/schemas/"

// workflowSchemaJSON describes the envelope of a WorkflowDefinition. Trigger and
// action configs are checked separately against the schema of their type.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["trigger"],
  "properties": {
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "enum": ["STATUS_CHANGED", "TAG_ADDED", "DAYS_IN_STAGE", "SCORE_THRESHOLD", "INACTIVITY"] },
        "config": {}
      },
      "additionalProperties": false
    },
    "actions": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {
            "enum": ["SEND_EMAIL", "ADD_TAG", "REMOVE_TAG", "CHANGE_STATUS", "ASSIGN_USER",
                     "CREATE_TASK", "SEND_NOTIFICATION", "ADD_NOTE", "SCHEDULE_INTERVIEW", "WEBHOOK"]
          },
          "config": {}
        },
        "additionalProperties": false
      }
    },
    "schedule": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "daysOfWeek": { "type": ["array", "null"], "items": { "type": "integer", "minimum": 0, "maximum": 6 } },
        "hours": { "type": ["array", "null"], "items": { "type": "integer", "minimum": 0, "maximum": 23 } }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "engine": { "enum": ["", "cel", "expr"] },
        "expression": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "maxExecutionsPerDay": { "type": "integer", "minimum": 0 },
    "maxExecutionsPerCandidate": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false
}`

const durationPattern = `^[0-9]+(ms|s|m|h)$`

var triggerConfigSchemas = map[schema.TriggerType]string{
	schema.TriggerStatusChanged: `{
	  "type": "object",
	  "properties": { "toStatus": { "type": "string" }, "fromStatus": { "type": "string" } },
	  "additionalProperties": false
	}`,
	schema.TriggerTagAdded: `{
	  "type": "object",
	  "required": ["tag"],
	  "properties": { "tag": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	schema.TriggerDaysInStage: `{
	  "type": "object",
	  "required": ["days"],
	  "properties": { "days": { "type": "integer", "minimum": 1 }, "status": { "type": "string" } },
	  "additionalProperties": false
	}`,
	schema.TriggerScoreThreshold: `{
	  "type": "object",
	  "required": ["minScore"],
	  "properties": { "minScore": { "type": "number" } },
	  "additionalProperties": false
	}`,
	schema.TriggerInactivity: `{
	  "type": "object",
	  "required": ["days"],
	  "properties": { "days": { "type": "integer", "minimum": 1 } },
	  "additionalProperties": false
	}`,
}

var tagConfigSchema = `{
  "type": "object",
  "required": ["tag"],
  "properties": { "tag": { "type": "string", "minLength": 1 } },
  "additionalProperties": false
}`

var actionConfigSchemas = map[schema.ActionType]string{
	schema.ActionSendEmail: `{
	  "type": "object",
	  "required": ["subject"],
	  "anyOf": [{ "required": ["body"] }, { "required": ["template"] }],
	  "properties": {
	    "subject": { "type": "string", "minLength": 1 },
	    "body": { "type": "string", "minLength": 1 },
	    "template": { "type": "string", "minLength": 1 },
	    "to": { "type": "string" },
	    "variables": { "type": "object", "additionalProperties": { "type": "string" } }
	  },
	  "additionalProperties": false
	}`,
	schema.ActionAddTag:    tagConfigSchema,
	schema.ActionRemoveTag: tagConfigSchema,
	schema.ActionChangeStatus: `{
	  "type": "object",
	  "required": ["status"],
	  "properties": { "status": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	schema.ActionAssignUser: `{
	  "type": "object",
	  "required": ["userId"],
	  "properties": { "userId": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	schema.ActionCreateTask: `{
	  "type": "object",
	  "required": ["title"],
	  "properties": {
	    "title": { "type": "string", "minLength": 1 },
	    "description": { "type": "string" },
	    "assigneeId": { "type": "string" },
	    "dueInDays": { "type": "integer", "minimum": 0 }
	  },
	  "additionalProperties": false
	}`,
	schema.ActionSendNotification: `{
	  "type": "object",
	  "required": ["message"],
	  "properties": {
	    "message": { "type": "string", "minLength": 1 },
	    "userIds": { "type": "array", "items": { "type": "string", "minLength": 1 } }
	  },
	  "additionalProperties": false
	}`,
	schema.ActionAddNote: `{
	  "type": "object",
	  "required": ["content"],
	  "properties": { "content": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	schema.ActionScheduleInterview: `{
	  "type": "object",
	  "required": ["title"],
	  "properties": {
	    "title": { "type": "string", "minLength": 1 },
	    "durationMinutes": { "type": "integer", "minimum": 1, "maximum": 480 },
	    "interviewerIds": { "type": "array", "items": { "type": "string" } },
	    "inDays": { "type": "integer", "minimum": 0 }
	  },
	  "additionalProperties": false
	}`,
	schema.ActionWebhook: `{
	  "type": "object",
	  "required": ["url"],
	  "properties": {
	    "url": { "type": "string", "minLength": 1 },
	    "method": { "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"] },
	    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
	    "timeout": { "type": "string", "pattern": "` + durationPattern + `" },
	    "transform": { "type": "string" },
	    "signingSecret": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
}

// JSONSchemaValidator checks the workflow envelope and each trigger/action
// config against JSON Schema Draft 2020-12. All schemas are compiled once;
// the validator is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	triggers       map[schema.TriggerType]*jsonschema.Schema
	actions        map[schema.ActionType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema and every config schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	v := &JSONSchemaValidator{
		triggers: make(map[schema.TriggerType]*jsonschema.Schema, len(triggerConfigSchemas)),
		actions:  make(map[schema.ActionType]*jsonschema.Schema, len(actionConfigSchemas)),
	}

	var err error
	if v.workflowSchema, err = compileSchema(c, schemaBase+"workflow.json", workflowSchemaJSON); err != nil {
		return nil, err
	}
	for t, src := range triggerConfigSchemas {
		if v.triggers[t], err = compileSchema(c, schemaBase+"trigger/"+string(t)+".json", src); err != nil {
			return nil, err
		}
	}
	for t, src := range actionConfigSchemas {
		if v.actions[t], err = compileSchema(c, schemaBase+"action/"+string(t)+".json", src); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func compileSchema(c *jsonschema.Compiler, url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateDefinition validates the workflow envelope.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toHireflowError(err, "")
	}
	return nil
}

// ValidateTriggerConfig validates a trigger config against the schema of its type.
func (v *JSONSchemaValidator) ValidateTriggerConfig(t schema.TriggerType, raw json.RawMessage) error {
	sch, ok := v.triggers[t]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", t)
	}
	return validateConfig(sch, raw, "/trigger/config")
}

// ValidateActionConfig validates an action config against the schema of its type.
func (v *JSONSchemaValidator) ValidateActionConfig(t schema.ActionType, raw json.RawMessage, index int) error {
	sch, ok := v.actions[t]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action type %q", t)
	}
	return validateConfig(sch, raw, fmt.Sprintf("/actions/%d/config", index))
}

func validateConfig(sch *jsonschema.Schema, raw json.RawMessage, prefix string) error {
	var doc any = map[string]any{}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && trimmed != "null" {
		var err error
		doc, err = jsonschema.UnmarshalJSON(strings.NewReader(trimmed))
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid JSON: %s", prefix, err.Error()).WithCause(err)
		}
	}
	if err := sch.Validate(doc); err != nil {
		return toHireflowError(err, prefix)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toHireflowError flattens a jsonschema.ValidationError into one message per
// violated leaf, each prefixed with its instance location.
func toHireflowError(err error, prefix string) *schema.HireflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr, prefix)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError, prefix string) []string {
	if len(verr.Causes) == 0 {
		loc := prefix
		if len(verr.InstanceLocation) > 0 {
			loc += "/" + strings.Join(verr.InstanceLocation, "/")
		}
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause, prefix)...)
	}
	return violations
}

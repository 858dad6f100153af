package validation

import (
	"github.com/rendis/hireflow/internal/expressions"
	"github.com/rendis/hireflow/pkg/schema"
)

// WorkflowValidator runs the validation pipeline:
//  1. Structural: the workflow envelope (JSON Schema).
//  2. Config: each trigger/action config against the schema of its type.
//  3. Semantic: executors, references, webhook targets, schedule, condition.
//
// Activation adds one rule: the action list must not be empty.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	conditions *expressions.Conditions
}

var _ Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip executor checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	conds, err := expressions.NewConditions()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
		conditions: conds,
	}, nil
}

// Validate checks a definition that may still be a draft.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError(schema.PathRoot, schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := issuesFrom(wv.jsonSchema.ValidateDefinition(def), schema.PathRoot)
	if !result.Valid() {
		return result
	}

	result.Merge(issuesFrom(wv.jsonSchema.ValidateTriggerConfig(def.Trigger.Type, def.Trigger.Config), schema.PathTriggerConfig))
	for i, a := range def.Actions {
		result.Merge(issuesFrom(wv.jsonSchema.ValidateActionConfig(a.Type, a.Config, i), schema.ActionPath(i, "config")))
	}
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.actions, wv.conditions))
	return result
}

// ValidateForActivation checks that a definition can run.
func (wv *WorkflowValidator) ValidateForActivation(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := wv.Validate(def)
	if def != nil && len(def.Actions) == 0 {
		result.AddError(schema.PathActions, schema.ErrCodeValidation, "an active workflow needs at least one action")
	}
	return result
}

func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

func (wv *WorkflowValidator) ValidateActivation(def *schema.WorkflowDefinition) error {
	return wv.ValidateForActivation(def).ToError()
}

// issuesFrom converts a schema-stage error into a ValidationResult, one issue per violation.
func issuesFrom(err error, path string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	he, ok := err.(*schema.HireflowError)
	if !ok {
		result.AddError(path, schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := he.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError(path, schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError(path, he.Code, he.Message)
	return result
}

package validation

import "github.com/rendis/hireflow/pkg/schema"

// Validator checks workflow definitions. Drafts only need to be well formed;
// activation additionally requires a runnable definition.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateActivation(def *schema.WorkflowDefinition) error
}

// ActionLookup reports whether an action type has a registered executor.
// Satisfied by actions.Registry.
type ActionLookup interface {
	Has(t schema.ActionType) bool
}

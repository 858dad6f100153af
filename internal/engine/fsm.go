package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, entityID string, from, to string) error

// EventAppender writes ledger audit entries. Satisfied by store.LedgerStore.
type EventAppender interface {
	AppendLedgerEvent(ctx context.Context, ev *store.LedgerEvent) error
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowState
}

// WorkflowFSM guards workflow lifecycle changes and audits them.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender EventAppender
	after    map[workflowHookKey][]TransitionHook
}

func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		after:    make(map[workflowHookKey][]TransitionHook),
	}
}

// OnAfter registers a hook called after a workflow transition is recorded.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Check validates a transition without recording it.
func (f *WorkflowFSM) Check(workflowID string, from, to schema.WorkflowState) error {
	if !slices.Contains(ValidWorkflowTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}
	return nil
}

// Transition validates the change and appends the matching ledger event.
// The caller persists the new state.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowState) error {
	if err := f.Check(workflowID, from, to); err != nil {
		return err
	}

	if eventType := workflowEventType(to); eventType != "" && f.appender != nil {
		if err := f.appender.AppendLedgerEvent(ctx, &store.LedgerEvent{
			EntityID:   workflowID,
			WorkflowID: workflowID,
			Type:       eventType,
			Payload:    mustJSON(map[string]any{"from": from, "to": to}),
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "record workflow transition: %s", err.Error()).WithCause(err)
		}
	}

	f.mu.Lock()
	hooks := slices.Clone(f.after[workflowHookKey{from, to}])
	f.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx, workflowID, string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func workflowEventType(to schema.WorkflowState) string {
	switch to {
	case schema.WorkflowActive:
		return schema.LedgerWorkflowActivated
	case schema.WorkflowPaused:
		return schema.LedgerWorkflowPaused
	case schema.WorkflowArchived:
		return schema.LedgerWorkflowArchived
	default:
		return ""
	}
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution status changes. The store writes the
// audit entry in the same transaction as the change, so this FSM only checks
// and notifies.
type ExecutionFSM struct {
	mu    sync.Mutex
	after map[executionHookKey][]TransitionHook
}

func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{after: make(map[executionHookKey][]TransitionHook)}
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Check validates an execution transition.
func (f *ExecutionFSM) Check(executionID string, from, to schema.ExecutionStatus) error {
	if !slices.Contains(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return nil
}

// Notify runs the after-hooks of a transition that has been persisted.
func (f *ExecutionFSM) Notify(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	hooks := slices.Clone(f.after[executionHookKey{from, to}])
	f.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx, executionID, string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed workflow lifecycle changes.
var ValidWorkflowTransitions = map[schema.WorkflowState][]schema.WorkflowState{
	schema.WorkflowDraft:    {schema.WorkflowActive, schema.WorkflowArchived},
	schema.WorkflowActive:   {schema.WorkflowPaused, schema.WorkflowArchived},
	schema.WorkflowPaused:   {schema.WorkflowActive, schema.WorkflowArchived},
	schema.WorkflowArchived: {},
}

// ValidExecutionTransitions defines the allowed execution status changes.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionMatched:         {schema.ExecutionReserved},
	schema.ExecutionReserved:        {schema.ExecutionDispatching, schema.ExecutionFailed},
	schema.ExecutionDispatching:     {schema.ExecutionCompleted, schema.ExecutionPartiallyFailed, schema.ExecutionFailed},
	schema.ExecutionCompleted:       {},
	schema.ExecutionPartiallyFailed: {},
	schema.ExecutionFailed:          {},
}

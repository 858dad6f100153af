package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/hireflow/internal/expressions"
	"github.com/rendis/hireflow/pkg/schema"
)

// Executor performs the side effect of one action type.
type Executor interface {
	Type() schema.ActionType
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request is everything an executor needs for one action of one execution.
// Config is already interpolated and decoded into the typed struct for the action type.
type Request struct {
	WorkflowID    string
	ExecutionID   string
	ActionIndex   int
	Event         *schema.CandidateEvent
	Config        schema.ActionConfig
	Scope         *expressions.InterpolationScope
	MaxChainDepth int
}

// CandidateID is a shorthand for the triggering event's candidate.
func (r Request) CandidateID() string {
	if r.Event == nil {
		return ""
	}
	return r.Event.CandidateID
}

// Result is the outcome of a successful (or accepted) action.
// Pending marks an accepted action whose final result arrives later under CorrelationKey.
type Result struct {
	Output         json.RawMessage
	Pending        bool
	CorrelationKey string
	DryRun         bool
}

// Emitter feeds derived events back into the engine. Implementations must
// enqueue, never evaluate inline.
type Emitter interface {
	Emit(ctx context.Context, event schema.CandidateEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event schema.CandidateEvent) error

func (f EmitterFunc) Emit(ctx context.Context, event schema.CandidateEvent) error {
	return f(ctx, event)
}

func output(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func configAs[T schema.ActionConfig](req Request) (T, error) {
	cfg, ok := req.Config.(T)
	if !ok {
		var zero T
		return zero, schema.Permanent("action %d: expected %T config, got %T", req.ActionIndex, zero, req.Config)
	}
	return cfg, nil
}

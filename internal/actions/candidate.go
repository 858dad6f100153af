package actions

import (
	"context"
	"strings"
	"sync"

	"github.com/rendis/hireflow/pkg/schema"
)

// TagExecutor serves ADD_TAG and REMOVE_TAG.
type TagExecutor struct {
	action     schema.ActionType
	candidates CandidateMutator
}

func NewAddTagExecutor(c CandidateMutator) *TagExecutor {
	return &TagExecutor{action: schema.ActionAddTag, candidates: c}
}

func NewRemoveTagExecutor(c CandidateMutator) *TagExecutor {
	return &TagExecutor{action: schema.ActionRemoveTag, candidates: c}
}

func (e *TagExecutor) Type() schema.ActionType { return e.action }

func (e *TagExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	cfg, err := configAs[schema.TagConfig](req)
	if err != nil {
		return nil, err
	}
	tag := strings.TrimSpace(cfg.Tag)
	if tag == "" {
		return nil, schema.Permanent("%s: tag is empty", e.action)
	}

	if e.action == schema.ActionRemoveTag {
		err = e.candidates.RemoveTag(ctx, req.CandidateID(), tag)
	} else {
		err = e.candidates.AddTag(ctx, req.CandidateID(), tag)
	}
	if err != nil {
		return nil, err
	}
	return &Result{Output: output(map[string]any{"tag": tag})}, nil
}

// ChangeStatusExecutor moves the candidate to a new pipeline status and emits
// the resulting status_changed event one chain hop deeper.
//
// An event whose emit failed after the status changed is kept under its chain
// ID; a retry of the same execution and action re-emits it without touching
// the candidate again.
type ChangeStatusExecutor struct {
	candidates CandidateMutator
	emitter    Emitter

	mu     sync.Mutex
	unsent map[string]schema.CandidateEvent
}

func NewChangeStatusExecutor(c CandidateMutator, emitter Emitter) *ChangeStatusExecutor {
	return &ChangeStatusExecutor{candidates: c, emitter: emitter, unsent: make(map[string]schema.CandidateEvent)}
}

func (e *ChangeStatusExecutor) Type() schema.ActionType { return schema.ActionChangeStatus }

func (e *ChangeStatusExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	cfg, err := configAs[schema.ChangeStatusConfig](req)
	if err != nil {
		return nil, err
	}
	status := strings.TrimSpace(cfg.Status)
	if status == "" {
		return nil, schema.Permanent("CHANGE_STATUS: status is empty")
	}

	depth := 0
	if req.Event != nil {
		depth = req.Event.Depth + 1
	}
	// Checked before the mutation so an over-deep chain leaves the candidate untouched.
	if req.MaxChainDepth > 0 && depth > req.MaxChainDepth {
		return nil, schema.NewErrorf(schema.ErrCodeReentrancyBound,
			"CHANGE_STATUS would emit an event at depth %d, bound is %d", depth, req.MaxChainDepth).
			WithDetails(map[string]any{"depth": depth, "max_chain_depth": req.MaxChainDepth})
	}

	id := chainEventID(req)
	if evt, ok := e.takeUnsent(id); ok {
		return e.emit(ctx, evt)
	}

	previous, err := e.candidates.ChangeStatus(ctx, req.CandidateID(), status)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(previous, status) || e.emitter == nil {
		return &Result{Output: output(map[string]any{"fromStatus": previous, "toStatus": status})}, nil
	}

	return e.emit(ctx, schema.CandidateEvent{
		ID:          id,
		CandidateID: req.CandidateID(),
		Type:        schema.EventStatusChanged,
		Payload:     schema.EventPayload{FromStatus: previous, ToStatus: status},
		Depth:       depth,
		CausationID: req.ExecutionID,
	})
}

func (e *ChangeStatusExecutor) emit(ctx context.Context, evt schema.CandidateEvent) (*Result, error) {
	if err := e.emitter.Emit(ctx, evt); err != nil {
		e.mu.Lock()
		e.unsent[evt.ID] = evt
		e.mu.Unlock()
		return nil, err
	}
	return &Result{Output: output(map[string]any{
		"fromStatus":     evt.Payload.FromStatus,
		"toStatus":       evt.Payload.ToStatus,
		"emittedEventId": evt.ID,
	})}, nil
}

func (e *ChangeStatusExecutor) takeUnsent(id string) (schema.CandidateEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	evt, ok := e.unsent[id]
	if ok {
		delete(e.unsent, id)
	}
	return evt, ok
}

// chainEventID is stable per execution and action so a redelivered emit dedupes.
func chainEventID(req Request) string {
	return "chain:" + req.ExecutionID + ":" + itoa(req.ActionIndex)
}

// AssignUserExecutor assigns a recruiter to the candidate.
type AssignUserExecutor struct {
	candidates CandidateMutator
}

func NewAssignUserExecutor(c CandidateMutator) *AssignUserExecutor {
	return &AssignUserExecutor{candidates: c}
}

func (e *AssignUserExecutor) Type() schema.ActionType { return schema.ActionAssignUser }

func (e *AssignUserExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	cfg, err := configAs[schema.AssignUserConfig](req)
	if err != nil {
		return nil, err
	}
	if cfg.UserID == "" {
		return nil, schema.Permanent("ASSIGN_USER: userId is empty")
	}
	if err := e.candidates.AssignUser(ctx, req.CandidateID(), cfg.UserID); err != nil {
		return nil, err
	}
	return &Result{Output: output(map[string]any{"userId": cfg.UserID})}, nil
}

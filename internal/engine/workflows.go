package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hireflow/internal/logging"
	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/internal/streaming"
	"github.com/rendis/hireflow/pkg/schema"
)

// DefinitionValidator checks workflow definitions. Satisfied by validation.WorkflowValidator.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateActivation(def *schema.WorkflowDefinition) error
}

// WorkflowService is the write path for workflow definitions: validation,
// lifecycle checks, audit and matcher cache invalidation.
type WorkflowService struct {
	store     store.WorkflowStore
	validator DefinitionValidator
	fsm       *WorkflowFSM
	matcher   *Matcher
	hub       streaming.EventHub
	logger    *slog.Logger
}

func NewWorkflowService(s store.WorkflowStore, v DefinitionValidator, fsm *WorkflowFSM, matcher *Matcher, hub streaming.EventHub, logger *slog.Logger) *WorkflowService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowService{store: s, validator: v, fsm: fsm, matcher: matcher, hub: hub, logger: logger}
}

// Create validates and stores a new workflow. Activation-time checks apply
// when the workflow is created active.
func (s *WorkflowService) Create(ctx context.Context, wf *store.Workflow) (*store.Workflow, error) {
	if strings.TrimSpace(wf.Name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if err := s.validator.ValidateDefinition(&wf.WorkflowDefinition); err != nil {
		return nil, err
	}
	if wf.IsActive {
		if err := s.validator.ValidateActivation(&wf.WorkflowDefinition); err != nil {
			return nil, err
		}
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	wf.ArchivedAt = nil
	wf.ExecutionCount, wf.SuccessCount, wf.FailureCount, wf.InFlightCount = 0, 0, 0, 0
	wf.LastExecutedAt = nil

	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	if wf.IsActive {
		s.record(ctx, wf.ID, schema.WorkflowDraft, schema.WorkflowActive)
	}
	s.changed(ctx, wf, "workflow_created")
	s.logger.InfoContext(ctx, "workflow created",
		slog.String("trigger", string(wf.Trigger.Type)), slog.Bool("active", wf.IsActive))
	return wf, nil
}

// Get returns a workflow with its counters.
func (s *WorkflowService) Get(ctx context.Context, id string) (*store.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// List returns workflows matching filter.
func (s *WorkflowService) List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// Update applies a partial update. Archived workflows are read-only, and a
// workflow being active after the update must pass activation checks.
func (s *WorkflowService) Update(ctx context.Context, id string, update store.WorkflowUpdate) (*store.Workflow, error) {
	ctx = logging.WithWorkflowID(ctx, id)
	cur, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	from := cur.State()
	if from == schema.WorkflowArchived {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow %q is archived", id)
	}
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name must not be empty")
	}

	def := cur.WorkflowDefinition
	if update.Definition != nil {
		def = *update.Definition
		if err := s.validator.ValidateDefinition(&def); err != nil {
			return nil, err
		}
	}
	active := cur.IsActive
	if update.IsActive != nil {
		active = *update.IsActive
	}
	if active {
		if err := s.validator.ValidateActivation(&def); err != nil {
			return nil, err
		}
	}

	// Pin the write to the version validated above.
	if update.ExpectedVersion == 0 {
		update.ExpectedVersion = cur.Version
	}

	to := from
	if active != cur.IsActive {
		to = schema.WorkflowPaused
		if active {
			to = schema.WorkflowActive
		}
		if err := s.fsm.Check(id, from, to); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.UpdateWorkflow(ctx, id, update)
	if err != nil {
		return nil, err
	}
	if to != from {
		s.record(ctx, id, from, to)
	}
	s.changed(ctx, updated, "workflow_updated")
	return updated, nil
}

// SetActive activates or pauses a workflow.
func (s *WorkflowService) SetActive(ctx context.Context, id string, active bool) (*store.Workflow, error) {
	return s.Update(ctx, id, store.WorkflowUpdate{IsActive: &active})
}

// Archive retires a workflow. Its executions and counters are kept.
func (s *WorkflowService) Archive(ctx context.Context, id string) (*store.Workflow, error) {
	ctx = logging.WithWorkflowID(ctx, id)
	cur, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	from := cur.State()
	if err := s.fsm.Check(id, from, schema.WorkflowArchived); err != nil {
		return nil, err
	}
	archived, err := s.store.ArchiveWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, from, schema.WorkflowArchived)
	s.changed(ctx, archived, "workflow_archived")
	s.logger.InfoContext(ctx, "workflow archived", slog.String("previous_state", string(from)))
	return archived, nil
}

// record writes the lifecycle audit entry. The store write already
// happened, so a failure here is logged rather than returned.
func (s *WorkflowService) record(ctx context.Context, id string, from, to schema.WorkflowState) {
	if err := s.fsm.Transition(ctx, id, from, to); err != nil {
		s.logger.WarnContext(ctx, "workflow transition not recorded",
			slog.String("from", string(from)), slog.String("to", string(to)), slog.String("error", err.Error()))
	}
}

func (s *WorkflowService) changed(ctx context.Context, wf *store.Workflow, eventType string) {
	if s.matcher != nil {
		s.matcher.Invalidate()
	}
	if s.hub == nil {
		return
	}
	_ = s.hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID: wf.ID,
		EventType:  eventType,
		Payload:    map[string]any{"state": wf.State(), "version": wf.Version},
		Timestamp:  time.Now().UTC(),
	})
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

func ledgerTypes(t *testing.T, s store.LedgerStore, entityID string) []string {
	t.Helper()
	events, err := s.GetLedgerEvents(context.Background(), entityID, 0)
	require.NoError(t, err)
	var out []string
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestWorkflowService_CreateValidates(t *testing.T) {
	env := newTestEnv(t)
	svc := env.engine.Workflows()
	ctx := context.Background()

	_, err := svc.Create(ctx, &store.Workflow{Name: "  ", WorkflowDefinition: interviewDefinition()})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = svc.Create(ctx, &store.Workflow{Name: "bad trigger", WorkflowDefinition: schema.WorkflowDefinition{
		Trigger: schema.Trigger{Type: "OFFER_SENT"},
	}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = svc.Create(ctx, &store.Workflow{Name: "empty", IsActive: true, WorkflowDefinition: schema.WorkflowDefinition{
		Trigger: schema.Trigger{Type: schema.TriggerStatusChanged},
	}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "active workflows need at least one action")

	draft, err := svc.Create(ctx, &store.Workflow{Name: "empty draft", WorkflowDefinition: schema.WorkflowDefinition{
		Trigger: schema.Trigger{Type: schema.TriggerStatusChanged},
	}})
	require.NoError(t, err)
	assert.NotEmpty(t, draft.ID)
	assert.Equal(t, schema.WorkflowDraft, draft.State())
	assert.Empty(t, ledgerTypes(t, env.store, draft.ID))
}

func TestWorkflowService_CreateResetsCounters(t *testing.T) {
	env := newTestEnv(t)
	wf := env.createWorkflow(t, func(w *store.Workflow) {
		w.ExecutionCount = 40
		w.SuccessCount = 40
	})
	got := env.workflow(t, wf.ID)
	assert.Zero(t, got.ExecutionCount)
	assert.Zero(t, got.SuccessCount)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []string{schema.LedgerWorkflowActivated}, ledgerTypes(t, env.store, wf.ID))
}

func TestWorkflowService_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	svc := env.engine.Workflows()
	ctx := context.Background()

	wf := env.createWorkflow(t)
	require.Equal(t, schema.WorkflowActive, wf.State())

	paused, err := svc.SetActive(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.False(t, paused.IsActive)

	active, err := svc.SetActive(ctx, wf.ID, true)
	require.NoError(t, err)
	assert.True(t, active.IsActive)

	archived, err := svc.Archive(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowArchived, archived.State())

	assert.Equal(t, []string{
		schema.LedgerWorkflowActivated,
		schema.LedgerWorkflowPaused,
		schema.LedgerWorkflowActivated,
		schema.LedgerWorkflowArchived,
	}, ledgerTypes(t, env.store, wf.ID))

	_, err = svc.SetActive(ctx, wf.ID, true)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	_, err = svc.Archive(ctx, wf.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	name := "renamed"
	_, err = svc.Update(ctx, wf.ID, store.WorkflowUpdate{Name: &name})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestWorkflowService_UpdateDefinition(t *testing.T) {
	env := newTestEnv(t)
	svc := env.engine.Workflows()
	ctx := context.Background()
	wf := env.createWorkflow(t)

	def := interviewDefinition(addTag("interviewing"), addTag("shortlist"))
	def.MaxExecutionsPerDay = 10
	updated, err := svc.Update(ctx, wf.ID, store.WorkflowUpdate{Definition: &def, ExpectedVersion: wf.Version})
	require.NoError(t, err)
	assert.Len(t, updated.Actions, 2)
	assert.Equal(t, 10, updated.MaxExecutionsPerDay)
	assert.Equal(t, wf.Version+1, updated.Version)

	_, err = svc.Update(ctx, wf.ID, store.WorkflowUpdate{Definition: &def, ExpectedVersion: wf.Version})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	empty := interviewDefinition()
	empty.Actions = nil
	_, err = svc.Update(ctx, wf.ID, store.WorkflowUpdate{Definition: &empty})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "an active workflow cannot lose all its actions")

	blank := " "
	_, err = svc.Update(ctx, wf.ID, store.WorkflowUpdate{Name: &blank})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = svc.Update(ctx, "missing", store.WorkflowUpdate{Name: &blank})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestWorkflowService_UpdateInvalidatesMatcherCache(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Deps) { c.MatchCacheTTL = time.Hour })
	svc := env.engine.Workflows()
	ctx := context.Background()
	wf := env.createWorkflow(t)

	require.Len(t, env.process(t, statusEvent("evt-1", "cand-1", "INTERVIEW")), 1)

	_, err := svc.SetActive(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Empty(t, env.process(t, statusEvent("evt-2", "cand-2", "INTERVIEW")))
}

// racingWorkflowStore runs edit once, right after the service has read the workflow.
type racingWorkflowStore struct {
	store.WorkflowStore
	edit func()
}

func (r *racingWorkflowStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	wf, err := r.WorkflowStore.GetWorkflow(ctx, id)
	if r.edit != nil {
		edit := r.edit
		r.edit = nil
		edit()
	}
	return wf, err
}

func TestWorkflowService_ActivationRejectsConcurrentEdit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.createWorkflow(t)
	_, err := env.engine.Workflows().SetActive(ctx, wf.ID, false)
	require.NoError(t, err)

	racing := &racingWorkflowStore{WorkflowStore: env.store}
	racing.edit = func() {
		broken := interviewDefinition()
		broken.Actions = nil
		_, err := env.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Definition: &broken})
		require.NoError(t, err)
	}
	base := env.engine.Workflows()
	svc := NewWorkflowService(racing, base.validator, base.fsm, base.matcher, nil, discardLogger())

	_, err = svc.SetActive(ctx, wf.ID, true)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	stored := env.workflow(t, wf.ID)
	assert.False(t, stored.IsActive)
	assert.Empty(t, stored.Actions)
}

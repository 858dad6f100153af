package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/internal/streaming"
	"github.com/rendis/hireflow/pkg/schema"
)

type ledgerFixture struct {
	ledger *Ledger
	store  *store.LibSQLStore
	hub    *streaming.MemoryHub
	clock  *testClock
	wf     *store.Workflow
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	s := newTestStore(t)
	clock := newTestClock(wednesday)
	hub := streaming.NewMemoryHub()
	conds := NewConditionEvaluator(s, time.UTC, clock.Now, discardLogger())

	wf := &store.Workflow{
		ID:                 "wf-ledger",
		Name:               "ledger",
		IsActive:           true,
		WorkflowDefinition: interviewDefinition(),
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))

	return &ledgerFixture{
		ledger: NewLedger(s, hub, conds, discardLogger()),
		store:  s,
		hub:    hub,
		clock:  clock,
		wf:     wf,
	}
}

func TestLedger_ReserveDispatchCommit(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sub, cancel, err := f.hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: f.wf.ID})
	require.NoError(t, err)
	defer cancel()

	res, err := f.ledger.Reserve(ctx, f.wf, statusEvent("evt-1", "cand-1", "INTERVIEW"))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionReserved, res.Record.Status)
	assert.Equal(t, "2024-05-01", res.Record.Day)

	require.NoError(t, f.ledger.MarkDispatching(ctx, res))
	assert.Equal(t, schema.ExecutionDispatching, res.Record.Status)

	completed := wednesday
	rec, err := f.ledger.Commit(ctx, res, []store.ActionResult{{
		ActionIndex: 0, ActionType: schema.ActionAddTag, Status: schema.ActionStatusSuccess, Attempts: 1, CompletedAt: &completed,
	}}, schema.ExecutionCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, rec.CompletedAt.Equal(wednesday))

	var types []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub:
			types = append(types, ev.EventType)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 stream events, got %v", types)
		}
	}
	assert.Equal(t, []string{
		schema.LedgerExecutionReserved,
		schema.LedgerExecutionDispatching,
		schema.LedgerExecutionCompleted,
	}, types)

	wf, err := f.store.GetWorkflow(ctx, f.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wf.SuccessCount)
	assertCountersBalanced(t, wf)
}

func TestLedger_CommitRejectsSkippedDispatch(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	res, err := f.ledger.Reserve(ctx, f.wf, statusEvent("evt-1", "cand-1", "INTERVIEW"))
	require.NoError(t, err)

	_, err = f.ledger.Commit(ctx, res, nil, schema.ExecutionCompleted, "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	// reserved -> failed is allowed for executions that never dispatched.
	rec, err := f.ledger.Commit(ctx, res, nil, schema.ExecutionFailed, "dispatch aborted")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, rec.Status)

	_, err = f.ledger.Commit(ctx, res, nil, schema.ExecutionCompleted, "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestLedger_ReserveDuplicateAndLimit(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.wf.MaxExecutionsPerCandidate = 1

	first, err := f.ledger.Reserve(ctx, f.wf, statusEvent("evt-1", "cand-1", "INTERVIEW"))
	require.NoError(t, err)

	_, err = f.ledger.Reserve(ctx, f.wf, statusEvent("evt-1", "cand-1", "INTERVIEW"))
	require.True(t, schema.HasCode(err, schema.ErrCodeDuplicateEvent))
	assert.Equal(t, first.Record.ID, detail(err, "execution_id"))

	_, err = f.ledger.Reserve(ctx, f.wf, statusEvent("evt-2", "cand-1", "INTERVIEW"))
	require.True(t, schema.HasCode(err, schema.ErrCodeLimitExceeded))
	assert.Equal(t, "per_candidate", detail(err, "reason"))
}

func TestLedger_AppendActionResult(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	res, err := f.ledger.Reserve(ctx, f.wf, statusEvent("evt-1", "cand-1", "INTERVIEW"))
	require.NoError(t, err)
	require.NoError(t, f.ledger.MarkDispatching(ctx, res))

	_, err = f.ledger.AppendActionResult(ctx, res.Record.ID, store.ActionResult{ActionIndex: 0, Status: schema.ActionStatusSuccess})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "open executions cannot take late results")

	_, err = f.ledger.Commit(ctx, res, []store.ActionResult{{
		ActionIndex: 0, ActionType: schema.ActionWebhook, Status: schema.ActionStatusPending, CorrelationKey: "corr-1", Attempts: 1,
	}}, schema.ExecutionCompleted, "")
	require.NoError(t, err)

	rec, err := f.ledger.AppendActionResult(ctx, res.Record.ID, store.ActionResult{ActionIndex: 0, Status: schema.ActionStatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusSuccess, rec.ActionResults[0].Status)
	assert.Equal(t, schema.ActionWebhook, rec.ActionResults[0].ActionType)
	require.NotNil(t, rec.ActionResults[0].CompletedAt)
	assert.True(t, rec.ActionResults[0].CompletedAt.Equal(wednesday))

	_, err = f.ledger.AppendActionResult(ctx, res.Record.ID, store.ActionResult{ActionIndex: 3, Status: schema.ActionStatusSuccess})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestLedger_ReconcileOnlyTouchesIdleExecutions(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	reserved, err := f.ledger.Reserve(ctx, f.wf, statusEvent("evt-1", "cand-1", "INTERVIEW"))
	require.NoError(t, err)
	dispatching, err := f.ledger.Reserve(ctx, f.wf, statusEvent("evt-2", "cand-2", "INTERVIEW"))
	require.NoError(t, err)
	require.NoError(t, f.ledger.MarkDispatching(ctx, dispatching))

	n, err := f.ledger.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Set(time.Now().Add(2 * time.Minute))
	n, err = f.ledger.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{reserved.Record.ID, dispatching.Record.ID} {
		rec, err := f.store.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionFailed, rec.Status)

		events, err := f.store.GetLedgerEvents(ctx, id, 0)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, schema.LedgerExecutionReconciled, events[len(events)-1].Type)
	}

	wf, err := f.store.GetWorkflow(ctx, f.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), wf.FailureCount)
	assertCountersBalanced(t, wf)

	n, err = f.ledger.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOverallStatus(t *testing.T) {
	ok := store.ActionResult{Status: schema.ActionStatusSuccess}
	bad := store.ActionResult{Status: schema.ActionStatusFailed}
	pending := store.ActionResult{Status: schema.ActionStatusPending}

	assert.Equal(t, schema.ExecutionCompleted, overallStatus([]store.ActionResult{ok, ok}, nil))
	assert.Equal(t, schema.ExecutionCompleted, overallStatus([]store.ActionResult{ok, pending}, nil))
	assert.Equal(t, schema.ExecutionPartiallyFailed, overallStatus([]store.ActionResult{ok, bad}, nil))
	assert.Equal(t, schema.ExecutionFailed, overallStatus([]store.ActionResult{bad, bad}, nil))
	assert.Equal(t, schema.ExecutionFailed, overallStatus([]store.ActionResult{ok, bad},
		schema.NewError(schema.ErrCodeReentrancyBound, "too deep")))
	assert.Equal(t, schema.ExecutionCompleted, overallStatus(nil, nil))
}

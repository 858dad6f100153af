package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/pkg/schema"
)

func reserveReq(wf *Workflow, candidateID, eventID, day string) ReserveRequest {
	return ReserveRequest{
		ExecutionID:     uuid.New().String(),
		WorkflowID:      wf.ID,
		CandidateID:     candidateID,
		EventID:         eventID,
		Day:             day,
		TriggeredAt:     time.Now().UTC(),
		MaxPerDay:       wf.MaxExecutionsPerDay,
		MaxPerCandidate: wf.MaxExecutionsPerCandidate,
	}
}

func TestReserve_CreatesReservedRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	rec, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionReserved, rec.Status)
	assert.Equal(t, "2024-05-01", rec.Day)
	assert.Empty(t, rec.ActionResults)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.InFlightCount)
	assert.Equal(t, int64(0), got.ExecutionCount)
}

func TestReserve_DuplicateEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	first, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.NoError(t, err)

	_, err = s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.Error(t, err)
	var hfErr *schema.HireflowError
	require.ErrorAs(t, err, &hfErr)
	assert.Equal(t, schema.ErrCodeDuplicateEvent, hfErr.Code)
	assert.Equal(t, first.ID, hfErr.Details["execution_id"])

	recs, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestReserve_PerDayLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, func(w *Workflow) { w.MaxExecutionsPerDay = 1 })

	_, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.NoError(t, err)

	_, err = s.Reserve(ctx, reserveReq(wf, "cand-2", "evt-2", "2024-05-01"))
	require.Error(t, err)
	var hfErr *schema.HireflowError
	require.ErrorAs(t, err, &hfErr)
	assert.Equal(t, schema.ErrCodeLimitExceeded, hfErr.Code)
	assert.Equal(t, "per_day", hfErr.Details["reason"])

	// A new calendar day has its own budget.
	_, err = s.Reserve(ctx, reserveReq(wf, "cand-2", "evt-3", "2024-05-02"))
	require.NoError(t, err)
}

func TestReserve_PerCandidateLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, func(w *Workflow) { w.MaxExecutionsPerCandidate = 2 })

	for i := 0; i < 2; i++ {
		_, err := s.Reserve(ctx, reserveReq(wf, "cand-1", fmt.Sprintf("evt-%d", i), "2024-05-01"))
		require.NoError(t, err)
	}
	_, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-9", "2024-05-03"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeLimitExceeded))

	_, err = s.Reserve(ctx, reserveReq(wf, "cand-2", "evt-9", "2024-05-03"))
	assert.NoError(t, err)
}

func TestReserve_ArchivedWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	_, err := s.ArchiveWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	_, err = s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestReserve_ConcurrentDuplicateDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const limit = 3
	wf := seedWorkflow(t, s, func(w *Workflow) { w.MaxExecutionsPerCandidate = limit })

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, denied, dup int
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every event is delivered twice.
			_, err := s.Reserve(ctx, reserveReq(wf, "cand-1", fmt.Sprintf("evt-%d", i/2), "2024-05-01"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case schema.HasCode(err, schema.ErrCodeLimitExceeded):
				denied++
			case schema.HasCode(err, schema.ErrCodeDuplicateEvent):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, limit, ok)
	assert.Equal(t, 40, ok+denied+dup)

	counts, err := s.CountExecutions(ctx, wf.ID, "cand-1", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, limit, counts.ForCandidate)
	assert.Equal(t, limit, counts.Today)
}

func TestReserve_ConcurrentPerDayCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, func(w *Workflow) { w.MaxExecutionsPerDay = 5 })

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Reserve(ctx, reserveReq(wf, fmt.Sprintf("cand-%d", i), fmt.Sprintf("evt-%d", i), "2024-05-01"))
		}(i)
	}
	wg.Wait()

	recs, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestCommit_RollsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	ok, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.NoError(t, err)
	require.NoError(t, s.MarkDispatching(ctx, ok.ID))
	rec, err := s.Commit(ctx, ok.ID, Outcome{
		Status: schema.ExecutionCompleted,
		ActionResults: []ActionResult{
			{ActionIndex: 0, ActionType: schema.ActionAddTag, Status: schema.ActionStatusSuccess, Attempts: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
	require.Len(t, rec.ActionResults, 1)
	require.NotNil(t, rec.CompletedAt)

	partial, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-2", "2024-05-01"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, partial.ID, Outcome{Status: schema.ExecutionPartiallyFailed})
	require.NoError(t, err)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ExecutionCount)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.Equal(t, int64(1), got.FailureCount)
	assert.Equal(t, int64(0), got.InFlightCount)
	assert.Equal(t, got.ExecutionCount, got.SuccessCount+got.FailureCount)
	assert.NotNil(t, got.LastExecutedAt)
}

func TestCommit_Twice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	rec, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, rec.ID, Outcome{Status: schema.ExecutionFailed, Error: "boom"})
	require.NoError(t, err)

	_, err = s.Commit(ctx, rec.ID, Outcome{Status: schema.ExecutionCompleted})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecutionCount)
	assert.Equal(t, int64(1), got.FailureCount)
}

func TestCommit_NonTerminal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Commit(context.Background(), "x", Outcome{Status: schema.ExecutionDispatching})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestMarkDispatching_InvalidFromTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	rec, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, rec.ID, Outcome{Status: schema.ExecutionCompleted})
	require.NoError(t, err)

	err = s.MarkDispatching(ctx, rec.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.True(t, schema.HasCode(s.MarkDispatching(ctx, "missing"), schema.ErrCodeNotFound))
}

func TestResolveActionResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	rec, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.NoError(t, err)

	_, err = s.ResolveActionResult(ctx, rec.ID, ActionResult{ActionIndex: 0, Status: schema.ActionStatusSuccess})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "open executions cannot take late results")

	_, err = s.Commit(ctx, rec.ID, Outcome{
		Status: schema.ExecutionCompleted,
		ActionResults: []ActionResult{{
			ActionIndex: 0, ActionType: schema.ActionScheduleInterview,
			Status: schema.ActionStatusPending, CorrelationKey: "cal-42", Attempts: 1,
		}},
	})
	require.NoError(t, err)

	updated, err := s.ResolveActionResult(ctx, rec.ID, ActionResult{ActionIndex: 0, Status: schema.ActionStatusFailed, Error: "no slot"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, updated.Status)
	assert.Equal(t, schema.ActionStatusFailed, updated.ActionResults[0].Status)
	assert.Equal(t, "cal-42", updated.ActionResults[0].CorrelationKey)
	assert.Equal(t, schema.ActionScheduleInterview, updated.ActionResults[0].ActionType)

	_, err = s.ResolveActionResult(ctx, rec.ID, ActionResult{ActionIndex: 0, Status: schema.ActionStatusSuccess})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	_, err = s.ResolveActionResult(ctx, rec.ID, ActionResult{ActionIndex: 5, Status: schema.ActionStatusSuccess})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SuccessCount, "late results leave counters alone")
}

func TestListOpenExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	open, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.NoError(t, err)
	dispatching, err := s.Reserve(ctx, reserveReq(wf, "cand-2", "evt-2", "2024-05-01"))
	require.NoError(t, err)
	require.NoError(t, s.MarkDispatching(ctx, dispatching.ID))
	done, err := s.Reserve(ctx, reserveReq(wf, "cand-3", "evt-3", "2024-05-01"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, done.ID, Outcome{Status: schema.ExecutionCompleted})
	require.NoError(t, err)

	recs, err := s.ListOpenExecutions(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{open.ID, dispatching.ID}, ids)
}

func TestListExecutions_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	other := seedWorkflow(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.Reserve(ctx, reserveReq(wf, "cand-1", fmt.Sprintf("evt-%d", i), "2024-05-01"))
		require.NoError(t, err)
	}
	_, err := s.Reserve(ctx, reserveReq(other, "cand-2", "evt-x", "2024-05-01"))
	require.NoError(t, err)

	recs, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.ListExecutions(ctx, ExecutionFilter{CandidateID: "cand-2"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, other.ID, recs[0].WorkflowID)

	recs, err = s.ListExecutions(ctx, ExecutionFilter{Status: schema.ExecutionCompleted})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// --- Audit log ---

func TestLedgerEvents_SequencePerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	rec, err := s.Reserve(ctx, reserveReq(wf, "cand-1", "evt-1", "2024-05-01"))
	require.NoError(t, err)
	require.NoError(t, s.MarkDispatching(ctx, rec.ID))
	require.NoError(t, s.AppendLedgerEvent(ctx, &LedgerEvent{
		EntityID: rec.ID, WorkflowID: wf.ID, Type: schema.LedgerActionRetrying,
	}))
	_, err = s.Commit(ctx, rec.ID, Outcome{Status: schema.ExecutionPartiallyFailed})
	require.NoError(t, err)

	events, err := s.GetLedgerEvents(ctx, rec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, wf.ID, e.WorkflowID)
	}
	assert.Equal(t, schema.LedgerExecutionReserved, events[0].Type)
	assert.JSONEq(t, `{"event_id":"evt-1","candidate_id":"cand-1","day":"2024-05-01"}`, string(events[0].Payload))

	since, err := s.GetLedgerEvents(ctx, rec.ID, 2)
	require.NoError(t, err)
	assert.Len(t, since, 2)

	tl, err := NewEventLog(s).Replay(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPartiallyFailed, tl.Status)
	assert.Equal(t, 1, tl.Retries)
	assert.NotNil(t, tl.ReservedAt)
	assert.NotNil(t, tl.CompletedAt)
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO ledger_events (entity_id, workflow_id, event_type, timestamp, sequence) VALUES ('e', 'w', 'x', ?, 2)`,
		time.Now().UTC())
	require.NoError(t, err)

	_, err = NewEventLog(s).Replay(ctx, "e")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

// --- Deferred queue ---

func TestDeferred_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 4, 22, 0, 0, 0, time.UTC)

	m := &DeferredMatch{
		ID:         uuid.New().String(),
		WorkflowID: "wf-1",
		Event:      schema.CandidateEvent{ID: "evt-1", CandidateID: "cand-1", Type: schema.EventTagAdded, Payload: schema.EventPayload{Tag: "vip"}},
		EnqueuedAt: now,
	}
	require.NoError(t, s.EnqueueDeferred(ctx, m))
	// Same workflow/event pair is ignored.
	require.NoError(t, s.EnqueueDeferred(ctx, &DeferredMatch{ID: uuid.New().String(), WorkflowID: "wf-1", Event: m.Event, EnqueuedAt: now}))

	due, err := s.DueDeferred(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "vip", due[0].Event.Payload.Tag)
	assert.Equal(t, m.ID, due[0].ID)

	require.NoError(t, s.RescheduleDeferred(ctx, m.ID, now.Add(time.Hour)))
	due, err = s.DueDeferred(ctx, now.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueDeferred(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	require.NoError(t, s.DeleteDeferred(ctx, m.ID))
	assert.True(t, schema.HasCode(s.DeleteDeferred(ctx, m.ID), schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(s.RescheduleDeferred(ctx, m.ID, now), schema.ErrCodeNotFound))
}

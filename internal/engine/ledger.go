package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hireflow/internal/logging"
	"github.com/rendis/hireflow/internal/metrics"
	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/internal/streaming"
	"github.com/rendis/hireflow/pkg/schema"
)

// Reservation is a claimed execution slot for one workflow and one event.
type Reservation struct {
	Record   *store.ExecutionRecord
	Workflow *store.Workflow
	Event    *schema.CandidateEvent
}

// Ledger drives execution records through reserve, dispatch and commit,
// publishing every transition to the hub.
type Ledger struct {
	store  store.LedgerStore
	hub    streaming.EventHub
	fsm    *ExecutionFSM
	conds  *ConditionEvaluator
	logger *slog.Logger
}

func NewLedger(s store.LedgerStore, hub streaming.EventHub, conds *ConditionEvaluator, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, hub: hub, fsm: NewExecutionFSM(), conds: conds, logger: logger}
}

// FSM exposes the execution state machine for hook registration.
func (l *Ledger) FSM() *ExecutionFSM { return l.fsm }

// Reserve claims the slot atomically. Replays yield DUPLICATE_EVENT and cap
// hits yield LIMIT_EXCEEDED; neither writes a record.
func (l *Ledger) Reserve(ctx context.Context, wf *store.Workflow, event *schema.CandidateEvent) (*Reservation, error) {
	now := l.conds.Now()
	rec, err := l.store.Reserve(ctx, store.ReserveRequest{
		ExecutionID:     uuid.New().String(),
		WorkflowID:      wf.ID,
		CandidateID:     event.CandidateID,
		EventID:         event.ID,
		Day:             l.conds.Day(now),
		TriggeredAt:     now,
		MaxPerDay:       wf.MaxExecutionsPerDay,
		MaxPerCandidate: wf.MaxExecutionsPerCandidate,
		TestMode:        wf.TestMode,
		Depth:           event.Depth,
	})
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeLimitExceeded) {
			reason, _ := detail(err, "reason").(string)
			metrics.ReservationsDenied.WithLabelValues(reason).Inc()
		} else if schema.HasCode(err, schema.ErrCodeDuplicateEvent) {
			metrics.ReservationsDenied.WithLabelValues("duplicate").Inc()
		}
		return nil, err
	}

	l.publish(ctx, rec, schema.LedgerExecutionReserved, map[string]any{"eventId": event.ID, "day": rec.Day})
	_ = l.fsm.Notify(ctx, rec.ID, schema.ExecutionMatched, schema.ExecutionReserved)
	return &Reservation{Record: rec, Workflow: wf, Event: event}, nil
}

// MarkDispatching moves a reserved execution to dispatching before its first action runs.
func (l *Ledger) MarkDispatching(ctx context.Context, res *Reservation) error {
	if err := l.fsm.Check(res.Record.ID, res.Record.Status, schema.ExecutionDispatching); err != nil {
		return err
	}
	if err := l.store.MarkDispatching(ctx, res.Record.ID); err != nil {
		return err
	}
	from := res.Record.Status
	res.Record.Status = schema.ExecutionDispatching
	l.publish(ctx, res.Record, schema.LedgerExecutionDispatching, nil)
	_ = l.fsm.Notify(ctx, res.Record.ID, from, schema.ExecutionDispatching)
	return nil
}

// RecordAction appends the per-action audit entry.
func (l *Ledger) RecordAction(ctx context.Context, res *Reservation, result store.ActionResult) {
	eventType := schema.LedgerActionSucceeded
	switch result.Status {
	case schema.ActionStatusFailed:
		eventType = schema.LedgerActionFailed
	case schema.ActionStatusPending:
		eventType = schema.LedgerActionPending
	}
	l.appendAudit(ctx, res.Record, eventType, result)
	l.publish(ctx, res.Record, eventType, result)
}

// RecordRetry appends an audit entry for a transient failure about to be retried.
func (l *Ledger) RecordRetry(ctx context.Context, res *Reservation, index int, actionType schema.ActionType, err error, wait time.Duration) {
	l.appendAudit(ctx, res.Record, schema.LedgerActionRetrying, map[string]any{
		"actionIndex": index,
		"actionType":  actionType,
		"error":       err.Error(),
		"waitMs":      wait.Milliseconds(),
	})
}

// Commit writes the terminal status and rolls the counters.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, results []store.ActionResult, status schema.ExecutionStatus, errMsg string) (*store.ExecutionRecord, error) {
	from := res.Record.Status
	if err := l.fsm.Check(res.Record.ID, from, status); err != nil {
		return nil, err
	}
	rec, err := l.store.Commit(ctx, res.Record.ID, store.Outcome{
		Status:        status,
		ActionResults: results,
		Error:         errMsg,
		CompletedAt:   l.conds.Now(),
	})
	if err != nil {
		return nil, err
	}
	res.Record = rec
	metrics.Executions.WithLabelValues(string(status)).Inc()
	l.publish(ctx, rec, terminalEventType(status), map[string]any{"status": status, "error": errMsg})
	_ = l.fsm.Notify(ctx, rec.ID, from, status)
	return rec, nil
}

// AppendActionResult records the late outcome of a pending action on a
// committed execution. Status and counters do not change.
func (l *Ledger) AppendActionResult(ctx context.Context, executionID string, result store.ActionResult) (*store.ExecutionRecord, error) {
	if result.Status == schema.ActionStatusPending {
		return nil, schema.NewError(schema.ErrCodeValidation, "async result must be success or failed")
	}
	if result.CompletedAt == nil {
		now := l.conds.Now()
		result.CompletedAt = &now
	}
	rec, err := l.store.ResolveActionResult(ctx, executionID, result)
	if err != nil {
		return nil, err
	}
	metrics.Actions.WithLabelValues(string(actionTypeAt(rec, result.ActionIndex)), string(result.Status)).Inc()
	l.publish(ctx, rec, schema.LedgerActionResolved, result)
	return rec, nil
}

// Reconcile commits open executions older than olderThan as failed so the
// workflow counters balance again. It returns the number reconciled.
func (l *Ledger) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	open, err := l.store.ListOpenExecutions(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := l.conds.Now().Add(-olderThan)
	count := 0
	for _, rec := range open {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		res := &Reservation{Record: rec}
		committed, err := l.Commit(ctx, res, rec.ActionResults, schema.ExecutionFailed, "reconciled")
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				continue
			}
			return count, err
		}
		l.appendAudit(ctx, committed, schema.LedgerExecutionReconciled, map[string]any{"previousStatus": rec.Status})
		metrics.Reconciled.Inc()
		l.logger.WarnContext(logging.WithExecutionID(logging.WithWorkflowID(ctx, rec.WorkflowID), rec.ID),
			"orphaned execution reconciled as failed", slog.String("previous_status", string(rec.Status)))
		count++
	}
	return count, nil
}

func (l *Ledger) appendAudit(ctx context.Context, rec *store.ExecutionRecord, eventType string, payload any) {
	err := l.store.AppendLedgerEvent(ctx, &store.LedgerEvent{
		EntityID:   rec.ID,
		WorkflowID: rec.WorkflowID,
		Type:       eventType,
		Payload:    mustJSON(payload),
	})
	if err != nil {
		l.logger.WarnContext(ctx, "ledger audit append failed",
			slog.String("execution_id", rec.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) publish(ctx context.Context, rec *store.ExecutionRecord, eventType string, payload any) {
	if l.hub == nil {
		return
	}
	_ = l.hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID:  rec.WorkflowID,
		ExecutionID: rec.ID,
		CandidateID: rec.CandidateID,
		EventType:   eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
}

func terminalEventType(status schema.ExecutionStatus) string {
	switch status {
	case schema.ExecutionCompleted:
		return schema.LedgerExecutionCompleted
	case schema.ExecutionPartiallyFailed:
		return schema.LedgerExecutionPartial
	default:
		return schema.LedgerExecutionFailed
	}
}

func actionTypeAt(rec *store.ExecutionRecord, index int) schema.ActionType {
	for _, r := range rec.ActionResults {
		if r.ActionIndex == index {
			return r.ActionType
		}
	}
	return ""
}

func detail(err error, key string) any {
	var he *schema.HireflowError
	if errors.As(err, &he) && he.Details != nil {
		return he.Details[key]
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

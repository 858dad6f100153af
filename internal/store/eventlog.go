package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/hireflow/pkg/schema"
)

// appendLedgerEvent assigns the next per-entity sequence and inserts ev.
// Callers pass the transaction that performed the state change so the audit
// entry and the change land together.
func appendLedgerEvent(ctx context.Context, q querier, ev *LedgerEvent) error {
	var seq int64
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM ledger_events WHERE entity_id = ?`, ev.EntityID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	ev.Sequence = seq
	ev.Timestamp = timeOrNow(ev.Timestamp).UTC()

	res, err := q.ExecContext(ctx,
		`INSERT INTO ledger_events (entity_id, workflow_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EntityID, ev.WorkflowID, ev.Type, nullRaw(ev.Payload), ev.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// AppendLedgerEvent appends a standalone audit entry, e.g. a workflow lifecycle change.
func (s *LibSQLStore) AppendLedgerEvent(ctx context.Context, ev *LedgerEvent) error {
	return retryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := appendLedgerEvent(ctx, tx, ev); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetLedgerEvents returns entries for an entity with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetLedgerEvents(ctx context.Context, entityID string, since int64) ([]*LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, workflow_id, event_type, payload, timestamp, sequence
		 FROM ledger_events WHERE entity_id = ? AND sequence > ? ORDER BY sequence ASC`,
		entityID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*LedgerEvent
	for rows.Next() {
		e := &LedgerEvent{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityID, &e.WorkflowID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventLog reads the ledger audit trail of executions.
type EventLog struct {
	store LedgerStore
}

// NewEventLog wraps a LedgerStore.
func NewEventLog(s LedgerStore) *EventLog {
	return &EventLog{store: s}
}

// Timeline is the status history of one execution rebuilt from its audit entries.
type Timeline struct {
	ExecutionID string                 `json:"executionId"`
	Status      schema.ExecutionStatus `json:"status"`
	ReservedAt  *time.Time             `json:"reservedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Retries     int                    `json:"retries"`
	Events      []*LedgerEvent         `json:"events"`
}

// Replay rebuilds an execution's timeline. It fails on sequence gaps.
func (el *EventLog) Replay(ctx context.Context, executionID string) (*Timeline, error) {
	events, err := el.store.GetLedgerEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get ledger events for replay: %w", err)
	}
	tl := &Timeline{ExecutionID: executionID, Status: schema.ExecutionMatched, Events: events}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
		ts := e.Timestamp
		switch e.Type {
		case schema.LedgerExecutionReserved:
			tl.Status = schema.ExecutionReserved
			tl.ReservedAt = &ts
		case schema.LedgerExecutionDispatching:
			tl.Status = schema.ExecutionDispatching
		case schema.LedgerActionRetrying:
			tl.Retries++
		case schema.LedgerExecutionCompleted:
			tl.Status = schema.ExecutionCompleted
			tl.CompletedAt = &ts
		case schema.LedgerExecutionPartial:
			tl.Status = schema.ExecutionPartiallyFailed
			tl.CompletedAt = &ts
		case schema.LedgerExecutionFailed, schema.LedgerExecutionReconciled:
			tl.Status = schema.ExecutionFailed
			tl.CompletedAt = &ts
		}
	}
	return tl, nil
}

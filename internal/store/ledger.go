package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/hireflow/pkg/schema"
)

const executionColumns = `id, workflow_id, candidate_id, event_id, day, status, action_results, error,
	test_mode, depth, triggered_at, completed_at, updated_at`

// Reserve claims an execution slot. The insert is conditional on the workflow
// being live, the dedupe key being unused and both caps holding at write time;
// the in-flight counter moves in the same transaction.
func (s *LibSQLStore) Reserve(ctx context.Context, req ReserveRequest) (*ExecutionRecord, error) {
	var rec *ExecutionRecord
	err := retryBusy(ctx, func() error {
		var err error
		rec, err = s.reserveOnce(ctx, req)
		return err
	})
	return rec, err
}

func (s *LibSQLStore) reserveOnce(ctx context.Context, req ReserveRequest) (*ExecutionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	triggeredAt := timeOrNow(req.TriggeredAt).UTC()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, candidate_id, event_id, day, status, action_results, test_mode, depth, triggered_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, '[]', ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM workflows WHERE id = ? AND archived_at IS NULL)
		   AND (? <= 0 OR (SELECT COUNT(*) FROM executions WHERE workflow_id = ? AND day = ?) < ?)
		   AND (? <= 0 OR (SELECT COUNT(*) FROM executions WHERE workflow_id = ? AND candidate_id = ?) < ?)
		 ON CONFLICT(workflow_id, event_id) DO NOTHING`,
		req.ExecutionID, req.WorkflowID, req.CandidateID, req.EventID, req.Day, string(schema.ExecutionReserved),
		boolInt(req.TestMode), req.Depth, triggeredAt, now,
		req.WorkflowID,
		req.MaxPerDay, req.WorkflowID, req.Day, req.MaxPerDay,
		req.MaxPerCandidate, req.WorkflowID, req.CandidateID, req.MaxPerCandidate,
	)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, explainDenied(ctx, tx, req)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET in_flight_count = in_flight_count + 1 WHERE id = ?`, req.WorkflowID,
	); err != nil {
		return nil, fmt.Errorf("bump in-flight: %w", err)
	}
	if err := appendLedgerEvent(ctx, tx, &LedgerEvent{
		EntityID:   req.ExecutionID,
		WorkflowID: req.WorkflowID,
		Type:       schema.LedgerExecutionReserved,
		Payload:    mustJSON(map[string]any{"event_id": req.EventID, "candidate_id": req.CandidateID, "day": req.Day}),
		Timestamp:  now,
	}); err != nil {
		return nil, err
	}

	rec, err := getExecution(ctx, tx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return rec, nil
}

// explainDenied tells a replay apart from a cap hit after the conditional insert
// wrote nothing. It runs inside the reservation transaction.
func explainDenied(ctx context.Context, tx *sql.Tx, req ReserveRequest) error {
	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM executions WHERE workflow_id = ? AND event_id = ?`, req.WorkflowID, req.EventID,
	).Scan(&existing)
	if err == nil {
		return schema.NewErrorf(schema.ErrCodeDuplicateEvent,
			"event %q already recorded for workflow %q", req.EventID, req.WorkflowID).
			WithDetails(map[string]any{"execution_id": existing})
	}
	if err != sql.ErrNoRows {
		return err
	}

	wf, err := getWorkflow(ctx, tx, req.WorkflowID)
	if err != nil {
		return err
	}
	if wf.ArchivedAt != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow %q is archived", req.WorkflowID)
	}

	counts, err := countExecutions(ctx, tx, req.WorkflowID, req.CandidateID, req.Day)
	if err != nil {
		return err
	}
	reason, limit, count := "per_candidate", req.MaxPerCandidate, counts.ForCandidate
	if req.MaxPerDay > 0 && counts.Today >= req.MaxPerDay {
		reason, limit, count = "per_day", req.MaxPerDay, counts.Today
	}
	return schema.NewErrorf(schema.ErrCodeLimitExceeded,
		"workflow %q reached its %s limit (%d)", req.WorkflowID, reason, limit).
		WithDetails(map[string]any{"reason": reason, "limit": limit, "count": count})
}

func (s *LibSQLStore) MarkDispatching(ctx context.Context, executionID string) error {
	return retryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		workflowID, status, err := executionHead(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if status != schema.ExecutionReserved {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"execution %q cannot dispatch from %s", executionID, status)
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(schema.ExecutionDispatching), now, executionID, string(schema.ExecutionReserved),
		); err != nil {
			return err
		}
		if err := appendLedgerEvent(ctx, tx, &LedgerEvent{
			EntityID:   executionID,
			WorkflowID: workflowID,
			Type:       schema.LedgerExecutionDispatching,
			Timestamp:  now,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Commit writes the terminal outcome and rolls the reservation into the
// workflow counters in one transaction.
func (s *LibSQLStore) Commit(ctx context.Context, executionID string, outcome Outcome) (*ExecutionRecord, error) {
	if !outcome.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot commit non-terminal status %s", outcome.Status)
	}
	var rec *ExecutionRecord
	err := retryBusy(ctx, func() error {
		var err error
		rec, err = s.commitOnce(ctx, executionID, outcome)
		return err
	})
	return rec, err
}

func (s *LibSQLStore) commitOnce(ctx context.Context, executionID string, outcome Outcome) (*ExecutionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	workflowID, status, err := executionHead(ctx, tx, executionID)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q already committed as %s", executionID, status)
	}

	results, err := json.Marshal(nonNilResults(outcome.ActionResults))
	if err != nil {
		return nil, fmt.Errorf("marshal action results: %w", err)
	}
	completedAt := timeOrNow(outcome.CompletedAt).UTC()

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, action_results = ?, error = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(outcome.Status), string(results), nullStr(outcome.Error), completedAt, completedAt,
		executionID, string(schema.ExecutionReserved), string(schema.ExecutionDispatching),
	)
	if err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q changed during commit", executionID)
	}

	success, failure := 0, 1
	if outcome.Status.Succeeded() {
		success, failure = 1, 0
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET
		   in_flight_count = MAX(in_flight_count - 1, 0),
		   execution_count = execution_count + 1,
		   success_count = success_count + ?,
		   failure_count = failure_count + ?,
		   last_executed_at = ?
		 WHERE id = ?`,
		success, failure, completedAt, workflowID,
	); err != nil {
		return nil, fmt.Errorf("roll counters: %w", err)
	}

	payload := map[string]any{"status": outcome.Status}
	if outcome.Error != "" {
		payload["error"] = outcome.Error
	}
	if err := appendLedgerEvent(ctx, tx, &LedgerEvent{
		EntityID:   executionID,
		WorkflowID: workflowID,
		Type:       terminalLedgerType(outcome.Status),
		Payload:    mustJSON(payload),
		Timestamp:  completedAt,
	}); err != nil {
		return nil, err
	}

	rec, err := getExecution(ctx, tx, executionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit execution: %w", err)
	}
	return rec, nil
}

// ResolveActionResult replaces a pending action result with its final outcome.
// Execution status and workflow counters are left as committed.
func (s *LibSQLStore) ResolveActionResult(ctx context.Context, executionID string, result ActionResult) (*ExecutionRecord, error) {
	var rec *ExecutionRecord
	err := retryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		current, err := getExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if !current.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is still %s", executionID, current.Status)
		}
		idx := -1
		for i, r := range current.ActionResults {
			if r.ActionIndex == result.ActionIndex {
				idx = i
				break
			}
		}
		if idx < 0 {
			return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q has no action %d", executionID, result.ActionIndex)
		}
		prev := current.ActionResults[idx]
		if prev.Status != schema.ActionStatusPending {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"action %d of execution %q is already %s", result.ActionIndex, executionID, prev.Status)
		}
		result.ActionType = prev.ActionType
		result.CorrelationKey = prev.CorrelationKey
		result.Attempts = prev.Attempts
		current.ActionResults[idx] = result

		raw, err := json.Marshal(current.ActionResults)
		if err != nil {
			return fmt.Errorf("marshal action results: %w", err)
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET action_results = ?, updated_at = ? WHERE id = ?`, string(raw), now, executionID,
		); err != nil {
			return err
		}
		if err := appendLedgerEvent(ctx, tx, &LedgerEvent{
			EntityID:   executionID,
			WorkflowID: current.WorkflowID,
			Type:       schema.LedgerActionResolved,
			Payload:    mustJSON(result),
			Timestamp:  now,
		}); err != nil {
			return err
		}
		current.UpdatedAt = now
		if err := tx.Commit(); err != nil {
			return err
		}
		rec = current
		return nil
	})
	return rec, err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	return getExecution(ctx, s.db, id)
}

func getExecution(ctx context.Context, q querier, id string) (*ExecutionRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return rec, err
}

func executionHead(ctx context.Context, q querier, id string) (string, schema.ExecutionStatus, error) {
	var workflowID, status string
	err := q.QueryRowContext(ctx, `SELECT workflow_id, status FROM executions WHERE id = ?`, id).Scan(&workflowID, &status)
	if err == sql.ErrNoRows {
		return "", "", storeNotFound("execution", id)
	}
	return workflowID, schema.ExecutionStatus(status), err
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var (
		status, results string
		errMsg          sql.NullString
		completedAt     sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.CandidateID, &rec.EventID, &rec.Day, &status, &results,
		&errMsg, &rec.TestMode, &rec.Depth, &rec.TriggeredAt, &completedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = schema.ExecutionStatus(status)
	rec.Error = errMsg.String
	if err := json.Unmarshal([]byte(results), &rec.ActionResults); err != nil {
		return nil, fmt.Errorf("unmarshal action results: %w", err)
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.CandidateID != "" {
		where = append(where, "candidate_id = ?")
		args = append(args, filter.CandidateID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY triggered_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return s.queryExecutions(ctx, query, args...)
}

// ListOpenExecutions returns every reserved or dispatching record.
func (s *LibSQLStore) ListOpenExecutions(ctx context.Context) ([]*ExecutionRecord, error) {
	return s.queryExecutions(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE status IN (?, ?) ORDER BY triggered_at ASC",
		string(schema.ExecutionReserved), string(schema.ExecutionDispatching))
}

func (s *LibSQLStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *LibSQLStore) CountExecutions(ctx context.Context, workflowID, candidateID, day string) (ExecutionCounts, error) {
	return countExecutions(ctx, s.db, workflowID, candidateID, day)
}

func countExecutions(ctx context.Context, q querier, workflowID, candidateID, day string) (ExecutionCounts, error) {
	var c ExecutionCounts
	err := q.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM executions WHERE workflow_id = ? AND day = ?),
		   (SELECT COUNT(*) FROM executions WHERE workflow_id = ? AND candidate_id = ?)`,
		workflowID, day, workflowID, candidateID,
	).Scan(&c.Today, &c.ForCandidate)
	return c, err
}

func terminalLedgerType(status schema.ExecutionStatus) string {
	switch status {
	case schema.ExecutionCompleted:
		return schema.LedgerExecutionCompleted
	case schema.ExecutionPartiallyFailed:
		return schema.LedgerExecutionPartial
	default:
		return schema.LedgerExecutionFailed
	}
}

func nonNilResults(r []ActionResult) []ActionResult {
	if r == nil {
		return []ActionResult{}
	}
	return r
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

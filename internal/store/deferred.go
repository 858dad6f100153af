package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueDeferred stores a held-back match. Re-enqueueing the same
// (workflow, event) pair is a no-op.
func (s *LibSQLStore) EnqueueDeferred(ctx context.Context, m *DeferredMatch) error {
	ev, err := json.Marshal(m.Event)
	if err != nil {
		return fmt.Errorf("marshal deferred event: %w", err)
	}
	m.EnqueuedAt = timeOrNow(m.EnqueuedAt).UTC()
	if m.DueAt.IsZero() {
		m.DueAt = m.EnqueuedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deferred_matches (id, workflow_id, event_id, event, enqueued_at, due_at, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, event_id) DO NOTHING`,
		m.ID, m.WorkflowID, m.Event.ID, string(ev), m.EnqueuedAt, m.DueAt.UnixMilli(), m.Attempts,
	)
	return err
}

// DueDeferred returns matches whose due time is at or before now, oldest first.
func (s *LibSQLStore) DueDeferred(ctx context.Context, now time.Time, limit int) ([]*DeferredMatch, error) {
	query := `SELECT id, workflow_id, event, enqueued_at, due_at, attempts
		 FROM deferred_matches WHERE due_at <= ? ORDER BY due_at ASC, enqueued_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeferredMatch
	for rows.Next() {
		m := &DeferredMatch{}
		var ev string
		var dueMs int64
		if err := rows.Scan(&m.ID, &m.WorkflowID, &ev, &m.EnqueuedAt, &dueMs, &m.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ev), &m.Event); err != nil {
			return nil, fmt.Errorf("unmarshal deferred event %s: %w", m.ID, err)
		}
		m.DueAt = time.UnixMilli(dueMs).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// RescheduleDeferred pushes a match's due time forward and counts the attempt.
func (s *LibSQLStore) RescheduleDeferred(ctx context.Context, id string, dueAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deferred_matches SET due_at = ?, attempts = attempts + 1 WHERE id = ?`, dueAt.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "deferred_match", id)
}

func (s *LibSQLStore) DeleteDeferred(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deferred_matches WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "deferred_match", id)
}

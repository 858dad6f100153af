package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/hireflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers in-process; the reservation
	// transaction relies on it.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Workflows ---

const workflowColumns = `id, name, description, definition, is_active, test_mode, priority,
	execution_count, success_count, failure_count, in_flight_count, last_executed_at,
	version, created_at, updated_at, archived_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.WorkflowDefinition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = wf.CreatedAt
	wf.Version = 1
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, trigger_type, definition, is_active, test_mode, priority, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), string(wf.Trigger.Type), string(def),
		boolInt(wf.IsActive), boolInt(wf.TestMode), wf.Priority, wf.Version, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return getWorkflow(ctx, s.db, id)
}

func getWorkflow(ctx context.Context, q querier, id string) (*Workflow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		desc         sql.NullString
		defJSON      string
		lastExecuted sql.NullTime
		archivedAt   sql.NullTime
	)
	if err := row.Scan(&wf.ID, &wf.Name, &desc, &defJSON, &wf.IsActive, &wf.TestMode, &wf.Priority,
		&wf.ExecutionCount, &wf.SuccessCount, &wf.FailureCount, &wf.InFlightCount, &lastExecuted,
		&wf.Version, &wf.CreatedAt, &wf.UpdatedAt, &archivedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	if err := json.Unmarshal([]byte(defJSON), &wf.WorkflowDefinition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if lastExecuted.Valid {
		wf.LastExecutedAt = &lastExecuted.Time
	}
	if archivedAt.Valid {
		wf.ArchivedAt = &archivedAt.Time
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) (*Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := getWorkflow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current.ArchivedAt != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow %q is archived", id)
	}
	if update.ExpectedVersion > 0 && update.ExpectedVersion != current.Version {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q version mismatch: expected %d, current %d", id, update.ExpectedVersion, current.Version).
			WithDetails(map[string]any{"current_version": current.Version})
	}

	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Definition != nil {
		def, err := json.Marshal(update.Definition)
		if err != nil {
			return nil, fmt.Errorf("marshal definition: %w", err)
		}
		sets = append(sets, "definition = ?", "trigger_type = ?")
		args = append(args, string(def), string(update.Definition.Trigger.Type))
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if update.TestMode != nil {
		sets = append(sets, "test_mode = ?")
		args = append(args, boolInt(*update.TestMode))
	}
	if update.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *update.Priority)
	}
	if len(sets) == 0 {
		return current, nil
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC(), id, current.Version)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q was modified concurrently", id)
	}

	updated, err := getWorkflow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit workflow update: %w", err)
	}
	return updated, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if !filter.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	if filter.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, boolInt(*filter.Active))
	}
	if len(filter.TriggerTypes) > 0 {
		marks := make([]string, len(filter.TriggerTypes))
		for i, tt := range filter.TriggerTypes {
			marks[i] = "?"
			args = append(args, string(tt))
		}
		where = append(where, "trigger_type IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// ArchiveWorkflow soft-deletes a workflow. Archived workflows are never matched
// and keep their ledger for audit.
func (s *LibSQLStore) ArchiveWorkflow(ctx context.Context, id string) (*Workflow, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET archived_at = ?, is_active = 0, version = version + 1, updated_at = ?
		 WHERE id = ? AND archived_at IS NULL`, now, now, id,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow %q is already archived", id)
	}
	return wf, nil
}

// --- Candidate stages ---

func (s *LibSQLStore) RecordStage(ctx context.Context, candidateID, status string, at time.Time) error {
	at = timeOrNow(at).UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidate_stages (candidate_id, status, entered_at, last_activity_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(candidate_id) DO UPDATE SET
		   entered_at = CASE WHEN candidate_stages.status = excluded.status
		                     THEN candidate_stages.entered_at ELSE excluded.entered_at END,
		   status = excluded.status,
		   last_activity_at = excluded.last_activity_at,
		   updated_at = excluded.updated_at`,
		candidateID, status, at, at, time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) RecordActivity(ctx context.Context, candidateID string, at time.Time) error {
	at = timeOrNow(at).UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidate_stages (candidate_id, status, entered_at, last_activity_at, updated_at)
		 VALUES (?, '', ?, ?, ?)
		 ON CONFLICT(candidate_id) DO UPDATE SET
		   last_activity_at = excluded.last_activity_at,
		   updated_at = excluded.updated_at`,
		candidateID, at, at, time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetStage(ctx context.Context, candidateID string) (*CandidateStage, error) {
	cs := &CandidateStage{}
	err := s.db.QueryRowContext(ctx,
		`SELECT candidate_id, status, entered_at, last_activity_at, updated_at
		 FROM candidate_stages WHERE candidate_id = ?`, candidateID,
	).Scan(&cs.CandidateID, &cs.Status, &cs.EnteredAt, &cs.LastActivityAt, &cs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("candidate_stage", candidateID)
	}
	if err != nil {
		return nil, err
	}
	return cs, nil
}

func (s *LibSQLStore) ListStages(ctx context.Context) ([]*CandidateStage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT candidate_id, status, entered_at, last_activity_at, updated_at
		 FROM candidate_stages ORDER BY candidate_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []*CandidateStage
	for rows.Next() {
		cs := &CandidateStage{}
		if err := rows.Scan(&cs.CandidateID, &cs.Status, &cs.EnteredAt, &cs.LastActivityAt, &cs.UpdatedAt); err != nil {
			return nil, err
		}
		stages = append(stages, cs)
	}
	return stages, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

// retryBusy reruns op while SQLite reports lock contention. Typed errors
// returned by op are permanent.
func retryBusy(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func isBusy(err error) bool {
	var he *schema.HireflowError
	if errors.As(err, &he) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}

func storeNotFound(resource, id string) *schema.HireflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

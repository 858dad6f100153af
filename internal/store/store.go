package store

import (
	"context"
	"time"
)

// WorkflowStore persists workflow definitions and their counters.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// UpdateWorkflow applies update and bumps the version. A non-zero
	// update.ExpectedVersion that no longer matches yields CONFLICT.
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	ArchiveWorkflow(ctx context.Context, id string) (*Workflow, error)
}

// LedgerStore is the execution ledger. Reserve and Commit are the only
// writers of workflow counters.
type LedgerStore interface {
	// Reserve inserts a reserved ExecutionRecord only if the dedupe key is new
	// and both limits still hold at write time, in one transaction.
	Reserve(ctx context.Context, req ReserveRequest) (*ExecutionRecord, error)
	MarkDispatching(ctx context.Context, executionID string) error
	Commit(ctx context.Context, executionID string, outcome Outcome) (*ExecutionRecord, error)
	ResolveActionResult(ctx context.Context, executionID string, result ActionResult) (*ExecutionRecord, error)

	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)
	ListOpenExecutions(ctx context.Context) ([]*ExecutionRecord, error)
	CountExecutions(ctx context.Context, workflowID, candidateID, day string) (ExecutionCounts, error)

	AppendLedgerEvent(ctx context.Context, ev *LedgerEvent) error
	GetLedgerEvents(ctx context.Context, entityID string, since int64) ([]*LedgerEvent, error)
}

// DeferredStore holds matches waiting for a schedule window to open.
type DeferredStore interface {
	EnqueueDeferred(ctx context.Context, m *DeferredMatch) error
	DueDeferred(ctx context.Context, now time.Time, limit int) ([]*DeferredMatch, error)
	RescheduleDeferred(ctx context.Context, id string, dueAt time.Time) error
	DeleteDeferred(ctx context.Context, id string) error
}

// StageStore tracks each candidate's current stage and last activity.
type StageStore interface {
	RecordStage(ctx context.Context, candidateID, status string, at time.Time) error
	RecordActivity(ctx context.Context, candidateID string, at time.Time) error
	GetStage(ctx context.Context, candidateID string) (*CandidateStage, error)
	ListStages(ctx context.Context) ([]*CandidateStage, error)
}

// SecretStore holds vault-encrypted values.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	LedgerStore
	DeferredStore
	StageStore
	SecretStore

	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}

package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/hireflow/pkg/schema"
)

// Workflow is the persisted representation of an automation rule.
type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	schema.WorkflowDefinition

	IsActive bool `json:"isActive"`
	TestMode bool `json:"testMode"`
	Priority int  `json:"priority"`

	ExecutionCount int64      `json:"executionCount"`
	SuccessCount   int64      `json:"successCount"`
	FailureCount   int64      `json:"failureCount"`
	InFlightCount  int64      `json:"inFlightCount"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty"`

	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// State derives the workflow lifecycle state from its flags and counters.
func (w *Workflow) State() schema.WorkflowState {
	switch {
	case w.ArchivedAt != nil:
		return schema.WorkflowArchived
	case w.IsActive:
		return schema.WorkflowActive
	case w.ExecutionCount > 0 || w.InFlightCount > 0:
		return schema.WorkflowPaused
	default:
		return schema.WorkflowDraft
	}
}

// ExecutionRecord is one ledger entry per workflow x event match.
type ExecutionRecord struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflowId"`
	CandidateID   string                 `json:"candidateId"`
	EventID       string                 `json:"eventId"`
	Day           string                 `json:"day"`
	Status        schema.ExecutionStatus `json:"status"`
	ActionResults []ActionResult         `json:"actionResults"`
	Error         string                 `json:"error,omitempty"`
	TestMode      bool                   `json:"testMode"`
	Depth         int                    `json:"depth"`
	TriggeredAt   time.Time              `json:"triggeredAt"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// ActionResult is the outcome of one action within an execution.
type ActionResult struct {
	ActionIndex    int                 `json:"actionIndex"`
	ActionType     schema.ActionType   `json:"actionType"`
	Status         schema.ActionStatus `json:"status"`
	Error          string              `json:"error,omitempty"`
	ErrorCode      string              `json:"errorCode,omitempty"`
	ErrorKind      schema.ErrorKind    `json:"errorKind,omitempty"`
	Attempts       int                 `json:"attempts"`
	DryRun         bool                `json:"dryRun,omitempty"`
	Output         json.RawMessage     `json:"output,omitempty"`
	CorrelationKey string              `json:"correlationKey,omitempty"`
	DurationMs     int64               `json:"durationMs"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
}

// LedgerEvent is an immutable audit entry. Sequence is per entity.
type LedgerEvent struct {
	ID         int64           `json:"id"`
	EntityID   string          `json:"entityId"`
	WorkflowID string          `json:"workflowId"`
	Type       string          `json:"eventType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// DeferredMatch is a matched event waiting for its workflow's schedule window.
type DeferredMatch struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflowId"`
	Event      schema.CandidateEvent `json:"event"`
	EnqueuedAt time.Time             `json:"enqueuedAt"`
	DueAt      time.Time             `json:"dueAt"`
	Attempts   int                   `json:"attempts"`
}

// CandidateStage is the tracked pipeline position of a candidate.
type CandidateStage struct {
	CandidateID    string    `json:"candidateId"`
	Status         string    `json:"status"`
	EnteredAt      time.Time `json:"enteredAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// --- Requests, filters and updates ---

// ReserveRequest carries everything the conditional insert needs.
type ReserveRequest struct {
	ExecutionID     string
	WorkflowID      string
	CandidateID     string
	EventID         string
	Day             string // calendar day in the engine time zone, YYYY-MM-DD
	TriggeredAt     time.Time
	MaxPerDay       int // <= 0 means unlimited
	MaxPerCandidate int
	TestMode        bool
	Depth           int
}

// Outcome is the terminal write for an open execution.
type Outcome struct {
	Status        schema.ExecutionStatus
	ActionResults []ActionResult
	Error         string
	CompletedAt   time.Time
}

// ExecutionCounts feeds the advisory limit check.
type ExecutionCounts struct {
	Today        int `json:"today"`
	ForCandidate int `json:"forCandidate"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Active          *bool                `json:"active,omitempty"`
	TriggerTypes    []schema.TriggerType `json:"triggerTypes,omitempty"`
	IncludeArchived bool                 `json:"includeArchived,omitempty"`
	Limit           int                  `json:"limit,omitempty"`
	Offset          int                  `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Name            *string                    `json:"name,omitempty"`
	Description     *string                    `json:"description,omitempty"`
	Definition      *schema.WorkflowDefinition `json:"definition,omitempty"`
	IsActive        *bool                      `json:"isActive,omitempty"`
	TestMode        *bool                      `json:"testMode,omitempty"`
	Priority        *int                       `json:"priority,omitempty"`
	ExpectedVersion int64                      `json:"version,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID  string                 `json:"workflowId,omitempty"`
	CandidateID string                 `json:"candidateId,omitempty"`
	Status      schema.ExecutionStatus `json:"status,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
}

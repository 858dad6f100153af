package schema

import (
	"strings"
	"time"
)

// EventType is the kind of candidate lifecycle mutation an event describes.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventTagAdded      EventType = "tag_added"
	EventScoreUpdated  EventType = "score_updated"
	EventStageTick     EventType = "stage_tick" // emitted by the scheduler for time-based triggers
)

// TriggerTypesFor returns the trigger types an event of type t can satisfy.
func TriggerTypesFor(t EventType) []TriggerType {
	switch t {
	case EventStatusChanged:
		return []TriggerType{TriggerStatusChanged}
	case EventTagAdded:
		return []TriggerType{TriggerTagAdded}
	case EventScoreUpdated:
		return []TriggerType{TriggerScoreThreshold}
	case EventStageTick:
		return []TriggerType{TriggerDaysInStage, TriggerInactivity}
	default:
		return nil
	}
}

// CandidateEvent is an immutable record of a pipeline mutation. Delivery is at-least-once.
type CandidateEvent struct {
	ID          string       `json:"id"`
	CandidateID string       `json:"candidateId"`
	Type        EventType    `json:"type"`
	Payload     EventPayload `json:"payload"`
	OccurredAt  time.Time    `json:"occurredAt"`
	Depth       int          `json:"depth,omitempty"`       // reentrant hops from the originating event
	CausationID string       `json:"causationId,omitempty"` // execution that emitted this event
}

// EventPayload carries the typed fields triggers match against.
type EventPayload struct {
	FromStatus     string         `json:"fromStatus,omitempty"`
	ToStatus       string         `json:"toStatus,omitempty"`
	Tag            string         `json:"tag,omitempty"`
	Score          *float64       `json:"score,omitempty"`
	Status         string         `json:"status,omitempty"` // current stage for stage ticks
	EnteredStageAt *time.Time     `json:"enteredStageAt,omitempty"`
	LastActivityAt *time.Time     `json:"lastActivityAt,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Validate checks the fields every event must carry.
func (e *CandidateEvent) Validate() error {
	r := &ValidationResult{}
	if strings.TrimSpace(e.ID) == "" {
		r.AddError("id", ErrCodeValidation, "event id is required")
	}
	if strings.TrimSpace(e.CandidateID) == "" {
		r.AddError("candidateId", ErrCodeValidation, "candidate id is required")
	}
	if TriggerTypesFor(e.Type) == nil {
		r.AddError("type", ErrCodeValidation, "unknown event type "+string(e.Type))
	}
	if e.Depth < 0 {
		r.AddError("depth", ErrCodeValidation, "depth must not be negative")
	}
	return r.ToError()
}

// AsMap flattens the event for condition evaluation and interpolation.
func (e *CandidateEvent) AsMap() map[string]any {
	payload := map[string]any{
		"fromStatus": e.Payload.FromStatus,
		"toStatus":   e.Payload.ToStatus,
		"tag":        e.Payload.Tag,
		"status":     e.Payload.Status,
	}
	if e.Payload.Score != nil {
		payload["score"] = *e.Payload.Score
	}
	if e.Payload.EnteredStageAt != nil {
		payload["enteredStageAt"] = e.Payload.EnteredStageAt.Format(time.RFC3339)
	}
	if e.Payload.LastActivityAt != nil {
		payload["lastActivityAt"] = e.Payload.LastActivityAt.Format(time.RFC3339)
	}
	for k, v := range e.Payload.Attributes {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	return map[string]any{
		"id":          e.ID,
		"candidateId": e.CandidateID,
		"type":        string(e.Type),
		"occurredAt":  e.OccurredAt.Format(time.RFC3339),
		"depth":       e.Depth,
		"payload":     payload,
	}
}

// ExecutionStatus is the lifecycle state of an ExecutionRecord.
type ExecutionStatus string

const (
	ExecutionMatched         ExecutionStatus = "matched"
	ExecutionReserved        ExecutionStatus = "reserved"
	ExecutionDispatching     ExecutionStatus = "dispatching"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionPartiallyFailed ExecutionStatus = "partially_failed"
	ExecutionFailed          ExecutionStatus = "failed"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionPartiallyFailed || s == ExecutionFailed
}

// Succeeded reports whether a terminal status counts toward successCount.
func (s ExecutionStatus) Succeeded() bool {
	return s == ExecutionCompleted
}

// ActionStatus is the outcome of a single action within an execution.
type ActionStatus string

const (
	ActionStatusSuccess ActionStatus = "success"
	ActionStatusFailed  ActionStatus = "failed"
	ActionStatusPending ActionStatus = "pending" // submitted; result arrives asynchronously
)

// ErrorKind classifies an action failure for admins.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindFatal     ErrorKind = "fatal"
)

// WorkflowState is the derived lifecycle state of a workflow.
type WorkflowState string

const (
	WorkflowDraft    WorkflowState = "draft"
	WorkflowActive   WorkflowState = "active"
	WorkflowPaused   WorkflowState = "paused"
	WorkflowArchived WorkflowState = "archived"
)

// Ledger audit event types.
const (
	LedgerExecutionReserved    = "execution_reserved"
	LedgerExecutionDispatching = "execution_dispatching"
	LedgerActionSucceeded      = "action_succeeded"
	LedgerActionFailed         = "action_failed"
	LedgerActionRetrying       = "action_retrying"
	LedgerActionPending        = "action_pending"
	LedgerActionResolved       = "action_resolved"
	LedgerExecutionCompleted   = "execution_completed"
	LedgerExecutionPartial     = "execution_partially_failed"
	LedgerExecutionFailed      = "execution_failed"
	LedgerExecutionReconciled  = "execution_reconciled"

	LedgerWorkflowActivated = "workflow_activated"
	LedgerWorkflowPaused    = "workflow_paused"
	LedgerWorkflowArchived  = "workflow_archived"
)

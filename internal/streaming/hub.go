package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time ledger update: an execution transition or a
// workflow lifecycle change.
type StreamEvent struct {
	WorkflowID  string    `json:"workflowId"`
	ExecutionID string    `json:"executionId,omitempty"`
	CandidateID string    `json:"candidateId,omitempty"`
	EventType   string    `json:"eventType"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID  string   `json:"workflowId,omitempty"`
	CandidateID string   `json:"candidateId,omitempty"`
	EventTypes  []string `json:"eventTypes,omitempty"`
}

// EventHub provides pub/sub for ledger updates.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

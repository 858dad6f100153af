package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub implementation using channels.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	closed  bool
}

var _ EventHub = (*MemoryHub)(nil)

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// The returned cancel func closes the channel; it is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

// Close ends every subscription. Later subscriptions receive a closed channel.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.CandidateID != "" && f.CandidateID != e.CandidateID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}

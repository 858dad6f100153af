package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		WorkflowID:  "wf-1",
		ExecutionID: "exec-1",
		CandidateID: "cand-1",
		EventType:   "execution_completed",
		Payload:     map[string]any{"status": "completed"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := recv(t, ch)
	assert.Equal(t, event.WorkflowID, got.WorkflowID)
	assert.Equal(t, event.ExecutionID, got.ExecutionID)
	assert.Equal(t, event.EventType, got.EventType)
	assert.False(t, got.Timestamp.IsZero(), "publish stamps the event")
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byWorkflow, c1, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer c1()
	byCandidate, c2, err := hub.Subscribe(ctx, EventFilter{CandidateID: "cand-2"})
	require.NoError(t, err)
	defer c2()
	byType, c3, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"execution_failed"}})
	require.NoError(t, err)
	defer c3()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-2", CandidateID: "cand-1", EventType: "execution_reserved"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", CandidateID: "cand-2", EventType: "execution_failed"}))

	assert.Equal(t, "wf-1", recv(t, byWorkflow).WorkflowID)
	assert.Equal(t, "cand-2", recv(t, byCandidate).CandidateID)
	assert.Equal(t, "execution_failed", recv(t, byType).EventType)

	assert.Empty(t, byWorkflow)
	assert.Empty(t, byCandidate)
	assert.Empty(t, byType)
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", EventType: "execution_completed"}))
	_, ok := <-ch
	assert.False(t, ok, "channel is closed after cancel")
	assert.Equal(t, 0, hub.Subscribers())
}

func TestClose(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	hub.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	_, ok = <-late
	assert.False(t, ok)
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", EventType: "tick"}))
	}

	assert.Len(t, ch, defaultChannelBuffer)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, StreamEvent{WorkflowID: "wf-concurrent", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

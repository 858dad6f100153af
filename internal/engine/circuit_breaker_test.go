package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/pkg/schema"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clock := newFakeClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	r.now = clock.Now
	return r, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	r, _ := testBreakers(3, time.Minute)
	assert.NoError(t, r.AllowRequest("ats.example.com"))
	assert.Equal(t, CircuitClosed, r.GetState("ats.example.com"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r, _ := testBreakers(3, time.Minute)

	r.RecordFailure("hooks.example.com")
	r.RecordFailure("hooks.example.com")
	assert.Equal(t, CircuitClosed, r.GetState("hooks.example.com"))

	assert.Equal(t, CircuitOpen, r.RecordFailure("hooks.example.com"))

	err := r.AllowRequest("hooks.example.com")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))

	// Other targets are unaffected.
	assert.NoError(t, r.AllowRequest("other.example.com"))
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	r, _ := testBreakers(3, time.Minute)

	r.RecordFailure("h")
	r.RecordFailure("h")
	r.RecordSuccess("h")
	r.RecordFailure("h")
	r.RecordFailure("h")
	assert.Equal(t, CircuitClosed, r.GetState("h"))

	r.RecordFailure("h")
	assert.Equal(t, CircuitOpen, r.GetState("h"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	r, clock := testBreakers(2, 10*time.Second)
	r.RecordFailure("h")
	r.RecordFailure("h")
	require.Error(t, r.AllowRequest("h"))

	clock.Advance(11 * time.Second)
	require.NoError(t, r.AllowRequest("h"), "first call after cooldown probes")
	assert.True(t, schema.HasCode(r.AllowRequest("h"), schema.ErrCodeCircuitOpen), "second probe refused")

	r.RecordSuccess("h")
	assert.Equal(t, CircuitClosed, r.GetState("h"))
	assert.NoError(t, r.AllowRequest("h"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	r, clock := testBreakers(2, 10*time.Second)
	r.RecordFailure("h")
	r.RecordFailure("h")

	clock.Advance(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, r.GetState("h"))
	require.NoError(t, r.AllowRequest("h"))

	assert.Equal(t, CircuitOpen, r.RecordFailure("h"))
	assert.Error(t, r.AllowRequest("h"))
}

func TestCircuitBreaker_DefaultsApplied(t *testing.T) {
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{})
	assert.Equal(t, DefaultCircuitBreakerConfig(), r.config)
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	r, _ := testBreakers(1, time.Minute)
	r.RecordFailure("down.example.com")
	r.RecordSuccess("up.example.com")

	assert.Equal(t, map[string]string{
		"down.example.com": "open",
		"up.example.com":   "closed",
	}, r.Snapshot())
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	r, _ := testBreakers(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = r.AllowRequest("h")
				r.RecordFailure("h")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, r.GetState("h"))
}

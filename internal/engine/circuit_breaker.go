package engine

import (
	"sync"
	"time"

	"github.com/rendis/hireflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per action target (a webhook host).
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	d := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = d.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = d.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when a call to target may proceed, or CIRCUIT_OPEN.
func (r *CircuitBreakerRegistry) AllowRequest(target string) error {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this call is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %q after %d consecutive failures", target, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"target":               target,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %q: probe already in flight", target).
				WithDetails(map[string]any{"target": target})
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for target.
func (r *CircuitBreakerRegistry) RecordSuccess(target string) {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a transient failure and returns the new state.
// Any failure while half-open reopens the circuit.
func (r *CircuitBreakerRegistry) RecordFailure(target string) CircuitState {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for target.
func (r *CircuitBreakerRegistry) GetState(target string) CircuitState {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Snapshot lists every known target with its state, for diagnostics.
func (r *CircuitBreakerRegistry) Snapshot() map[string]string {
	r.mu.Lock()
	targets := make([]string, 0, len(r.breakers))
	for t := range r.breakers {
		targets = append(targets, t)
	}
	r.mu.Unlock()

	out := make(map[string]string, len(targets))
	for _, t := range targets {
		out[t] = r.GetState(t).String()
	}
	return out
}

func (r *CircuitBreakerRegistry) getOrCreate(target string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[target]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[target] = cb
	}
	return cb
}

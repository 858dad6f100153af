package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/hireflow/pkg/schema"
)

// RetryPolicy bounds the retries of a transient action failure.
type RetryPolicy struct {
	MaxAttempts     int           // total attempts including the first
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is 3 attempts, 200ms initial delay, 5s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// backOff builds an exponential schedule that stops after MaxAttempts-1 retries
// or when ctx is done.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// IsRetryableError classifies whether an action error should be retried.
// Retryable: transient codes, network errors, timeouts, 5xx/429-style messages.
// Not retryable: cancellation, permanent and validation codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancelled means the engine is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var he *schema.HireflowError
	if errors.As(err, &he) {
		return he.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors get the bounded retry.
	return true
}

// ClassifyActionError maps an action error to the kind admins see on the record.
func ClassifyActionError(err error) schema.ErrorKind {
	if err == nil {
		return ""
	}
	switch schema.CodeOf(err) {
	case schema.ErrCodeReentrancyBound:
		return schema.ErrorKindFatal
	case schema.ErrCodeCircuitOpen:
		return schema.ErrorKindTransient
	}
	if IsRetryableError(err) {
		return schema.ErrorKindTransient
	}
	return schema.ErrorKindPermanent
}

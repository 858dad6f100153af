package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"

	// Action failure taxonomy.
	ErrCodeTransientAction = "TRANSIENT_ACTION"
	ErrCodePermanentAction = "PERMANENT_ACTION"

	// Engine outcomes.
	ErrCodeLimitExceeded   = "LIMIT_EXCEEDED"
	ErrCodeDuplicateEvent  = "DUPLICATE_EVENT"
	ErrCodeReentrancyBound = "REENTRANCY_BOUND"
	ErrCodeQueueFull       = "QUEUE_FULL"
)

// HireflowError is the structured error type for all engine operations.
type HireflowError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	ActionIndex *int           `json:"action_index,omitempty"`
	Cause       error          `json:"-"`
}

func (e *HireflowError) Error() string {
	if e.ActionIndex != nil {
		return fmt.Sprintf("[%s] action %d: %s", e.Code, *e.ActionIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HireflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new HireflowError.
func NewError(code, message string) *HireflowError {
	return &HireflowError{Code: code, Message: message}
}

// NewErrorf creates a new HireflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *HireflowError {
	return &HireflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches the index of the failing action.
func (e *HireflowError) WithAction(index int) *HireflowError {
	e.ActionIndex = &index
	return e
}

// WithCause attaches an underlying cause.
func (e *HireflowError) WithCause(err error) *HireflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HireflowError) WithDetails(details map[string]any) *HireflowError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code marks a transient condition.
func (e *HireflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransientAction, ErrCodeTimeout, ErrCodeExecution, ErrCodeStore, ErrCodeQueueFull:
		return true
	default:
		return false
	}
}

// Transient builds a retryable action error.
func Transient(format string, args ...any) *HireflowError {
	return NewErrorf(ErrCodeTransientAction, format, args...)
}

// Permanent builds a non-retryable action error.
func Permanent(format string, args ...any) *HireflowError {
	return NewErrorf(ErrCodePermanentAction, format, args...)
}

// HasCode reports whether err (or anything it wraps) is a HireflowError with the given code.
func HasCode(err error, code string) bool {
	var he *HireflowError
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost HireflowError in err's chain, or "".
func CodeOf(err error) string {
	var he *HireflowError
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Locations inside a workflow definition that issues point at.
const (
	PathRoot          = "/"
	PathTriggerConfig = "trigger.config"
	PathCondition     = "condition.expression"
	PathActions       = "actions"
	PathScheduleDays  = "schedule.daysOfWeek"
	PathScheduleHours = "schedule.hours"
)

// ActionPath locates a field of the action at index:
// ActionPath(2, "config") is "actions[2].config".
func ActionPath(index int, field string) string {
	p := PathActions + "[" + strconv.Itoa(index) + "]"
	if field != "" {
		p += "." + field
	}
	return p
}

// ActionIndexOf extracts the action index from a path built by ActionPath.
func ActionIndexOf(path string) (int, bool) {
	rest, ok := strings.CutPrefix(path, PathActions+"[")
	if !ok {
		return 0, false
	}
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0, false
	}
	i, err := strconv.Atoi(rest[:end])
	return i, err == nil
}

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues found in a workflow definition or an
// event. Warnings, such as a CHANGE_STATUS that can re-trigger its own
// workflow, never block activation.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// AddActionError records an error against a field of the action at index.
func (r *ValidationResult) AddActionError(index int, field, code, message string) {
	r.AddError(ActionPath(index, field), code, message)
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// FieldErrors groups error messages by path.
func (r *ValidationResult) FieldErrors() map[string][]string {
	if len(r.Errors) == 0 {
		return nil
	}
	out := make(map[string][]string, len(r.Errors))
	for _, e := range r.Errors {
		out[e.Path] = append(out[e.Path], e.Message)
	}
	return out
}

// ToError returns nil when valid, otherwise a VALIDATION_ERROR whose details
// carry every issue grouped by path. When the first error belongs to an
// action, the error carries that action's index.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	err := NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
			"fields":        r.FieldErrors(),
		})
	if i, ok := ActionIndexOf(first.Path); ok {
		err.WithAction(i)
	}
	return err
}

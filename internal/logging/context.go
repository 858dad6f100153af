package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	candidateIDKey
	eventIDKey
	executionIDKey
)

// correlationKeys fixes the order attributes are emitted in.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{workflowIDKey, "workflow_id"},
	{candidateIDKey, "candidate_id"},
	{eventIDKey, "event_id"},
	{executionIDKey, "execution_id"},
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithCandidateID returns a context with the candidate ID set.
func WithCandidateID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, candidateIDKey, id)
}

// WithEventID returns a context with the candidate event ID set.
func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey, id)
}

// WithExecutionID returns a context with the execution record ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

func WorkflowID(ctx context.Context) string  { return value(ctx, workflowIDKey) }
func CandidateID(ctx context.Context) string { return value(ctx, candidateIDKey) }
func EventID(ctx context.Context) string     { return value(ctx, eventIDKey) }
func ExecutionID(ctx context.Context) string { return value(ctx, executionIDKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithEvent sets the candidate and event IDs at once.
func WithEvent(ctx context.Context, candidateID, eventID string) context.Context {
	return WithEventID(WithCandidateID(ctx, candidateID), eventID)
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, k := range correlationKeys {
		if v := value(ctx, k.key); v != "" {
			attrs = append(attrs, slog.String(k.attr, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

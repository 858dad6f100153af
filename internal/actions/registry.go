package actions

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/hireflow/pkg/schema"
)

// Registry is the dispatch table from action type to executor.
// Adding an action type is one Register call.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.ActionType]Executor
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry. logger is used by dry-run wrappers.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		executors: make(map[schema.ActionType]Executor),
		logger:    logger,
	}
}

// Register adds an executor. Returns CONFLICT if the type is already registered.
func (r *Registry) Register(exec Executor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	t := exec.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %q already registered", t)
	}
	r.executors[t] = exec
	return nil
}

// Get returns the executor for t.
func (r *Registry) Get(t schema.ActionType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "no executor registered for %q", t)
	}
	return exec, nil
}

// Resolve returns the executor for t, wrapped in the dry-run decorator when testMode is set.
func (r *Registry) Resolve(t schema.ActionType, testMode bool) (Executor, error) {
	exec, err := r.Get(t)
	if err != nil {
		return nil, err
	}
	if testMode {
		return DryRun(exec, r.logger), nil
	}
	return exec, nil
}

func (r *Registry) Has(t schema.ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[t]
	return ok
}

// Types lists registered action types, sorted.
func (r *Registry) Types() []schema.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.ActionType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

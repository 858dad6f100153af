package actions

import (
	"context"
	"log/slog"

	"github.com/rendis/hireflow/pkg/schema"
)

type dryRunExecutor struct {
	inner  Executor
	logger *slog.Logger
}

// DryRun wraps exec so that it logs the intended effect and reports success
// without calling the underlying executor.
func DryRun(exec Executor, logger *slog.Logger) Executor {
	if d, ok := exec.(*dryRunExecutor); ok {
		return d
	}
	return &dryRunExecutor{inner: exec, logger: logger}
}

func (d *dryRunExecutor) Type() schema.ActionType { return d.inner.Type() }

func (d *dryRunExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	d.logger.InfoContext(ctx, "dry run: action skipped",
		slog.String("action_type", string(d.inner.Type())),
		slog.Int("action_index", req.ActionIndex),
		slog.String("candidate_id", req.CandidateID()),
		slog.Any("config", req.Config),
	)
	return &Result{
		DryRun: true,
		Output: output(map[string]any{
			"dryRun":       true,
			"wouldExecute": d.inner.Type(),
			"config":       req.Config,
		}),
	}, nil
}

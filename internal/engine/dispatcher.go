package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/hireflow/internal/actions"
	"github.com/rendis/hireflow/internal/expressions"
	"github.com/rendis/hireflow/internal/logging"
	"github.com/rendis/hireflow/internal/metrics"
	"github.com/rendis/hireflow/internal/secrets"
	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

// Dispatcher runs the actions of a reserved execution in order and commits the outcome.
type Dispatcher struct {
	registry      *actions.Registry
	ledger        *Ledger
	breakers      *CircuitBreakerRegistry
	interp        *expressions.Interpolator
	dryRunInterp  *expressions.Interpolator
	retry         RetryPolicy
	maxChainDepth int
	logger        *slog.Logger
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Retry         RetryPolicy
	MaxChainDepth int
	Vault         secrets.Vault
}

// NewDispatcher wires the executor registry, ledger and breakers. A nil
// breakers registry disables circuit breaking.
func NewDispatcher(registry *actions.Registry, ledger *Ledger, breakers *CircuitBreakerRegistry, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:      registry,
		ledger:        ledger,
		breakers:      breakers,
		interp:        expressions.NewInterpolator(opts.Vault),
		dryRunInterp:  expressions.NewInterpolator(redactingVault{}),
		retry:         opts.Retry.withDefaults(),
		maxChainDepth: opts.MaxChainDepth,
		logger:        logger,
	}
}

// Dispatch executes every action of res.Workflow against res.Event and commits
// the terminal status. Action failures never abort dispatch; only a fatal
// error stops the remaining actions.
func (d *Dispatcher) Dispatch(ctx context.Context, res *Reservation, scope *expressions.InterpolationScope) (*store.ExecutionRecord, error) {
	ctx = logging.WithExecutionID(ctx, res.Record.ID)
	commitCtx := context.WithoutCancel(ctx)

	if err := d.ledger.MarkDispatching(ctx, res); err != nil {
		d.logger.ErrorContext(ctx, "mark dispatching failed", slog.String("error", err.Error()))
		if rec, cerr := d.ledger.Commit(commitCtx, res, nil, schema.ExecutionFailed, err.Error()); cerr == nil {
			return rec, nil
		}
		return nil, err
	}

	start := time.Now()
	wf := res.Workflow
	results := make([]store.ActionResult, 0, len(wf.Actions))
	var fatal error
	for i, action := range wf.Actions {
		result, err := d.runAction(ctx, res, i, action, scope)
		results = append(results, result)
		d.ledger.RecordAction(ctx, res, result)
		metrics.Actions.WithLabelValues(string(action.Type), string(result.Status)).Inc()

		if result.ErrorKind == schema.ErrorKindFatal {
			fatal = err
			break
		}
	}

	status := overallStatus(results, fatal)
	errMsg := ""
	if fatal != nil {
		errMsg = fatal.Error()
	}
	rec, err := d.ledger.Commit(commitCtx, res, results, status, errMsg)
	metrics.DispatchDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	if err != nil {
		d.logger.ErrorContext(ctx, "commit failed; execution left for reconciliation", slog.String("error", err.Error()))
		return nil, err
	}

	d.logger.InfoContext(ctx, "execution committed",
		slog.String("status", string(status)),
		slog.Int("actions", len(results)),
		slog.Bool("test_mode", wf.TestMode),
	)
	return rec, nil
}

func (d *Dispatcher) runAction(ctx context.Context, res *Reservation, index int, action schema.Action, scope *expressions.InterpolationScope) (store.ActionResult, error) {
	started := time.Now()
	result := store.ActionResult{ActionIndex: index, ActionType: action.Type}
	testMode := res.Workflow.TestMode

	fail := func(err error, attempts int) (store.ActionResult, error) {
		result.Status = schema.ActionStatusFailed
		result.Error = err.Error()
		result.ErrorCode = schema.CodeOf(err)
		result.ErrorKind = ClassifyActionError(err)
		result.Attempts = attempts
		result.DurationMs = time.Since(started).Milliseconds()
		now := d.ledger.conds.Now()
		result.CompletedAt = &now

		log := d.logger.WarnContext
		if result.ErrorKind == schema.ErrorKindFatal {
			log = d.logger.ErrorContext
			if schema.HasCode(err, schema.ErrCodeReentrancyBound) {
				metrics.ReentrancyViolations.Inc()
			}
		}
		log(ctx, "action failed",
			slog.Int("action_index", index),
			slog.String("action_type", string(action.Type)),
			slog.String("error_kind", string(result.ErrorKind)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return result, err
	}

	exec, err := d.registry.Resolve(action.Type, testMode)
	if err != nil {
		return fail(err, 0)
	}

	interp := d.interp
	if testMode {
		interp = d.dryRunInterp
	}
	raw, err := interp.Resolve(ctx, action.Config, scope)
	if err != nil {
		return fail(err, 0)
	}
	cfg, err := schema.DecodeActionConfig(schema.Action{Type: action.Type, Config: raw})
	if err != nil {
		return fail(err, 0)
	}

	target := ""
	if !testMode && d.breakers != nil {
		target = actions.WebhookTarget(cfg)
	}

	req := actions.Request{
		WorkflowID:    res.Workflow.ID,
		ExecutionID:   res.Record.ID,
		ActionIndex:   index,
		Event:         res.Event,
		Config:        cfg,
		Scope:         scope,
		MaxChainDepth: d.maxChainDepth,
	}

	var out *actions.Result
	attempts := 0
	op := func() error {
		attempts++
		if target != "" {
			if err := d.breakers.AllowRequest(target); err != nil {
				return backoff.Permanent(err)
			}
		}
		r, err := exec.Execute(ctx, req)
		if err != nil {
			retryable := IsRetryableError(err)
			if target != "" && retryable {
				d.breakers.RecordFailure(target)
			}
			if !retryable {
				return backoff.Permanent(err)
			}
			return err
		}
		if target != "" {
			d.breakers.RecordSuccess(target)
		}
		out = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.ActionRetries.WithLabelValues(string(action.Type)).Inc()
		d.ledger.RecordRetry(ctx, res, index, action.Type, err, wait)
		d.logger.InfoContext(ctx, "retrying action after transient failure",
			slog.Int("action_index", index),
			slog.String("action_type", string(action.Type)),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	if err := backoff.RetryNotify(op, d.retry.backOff(ctx), notify); err != nil {
		return fail(err, attempts)
	}

	result.Attempts = attempts
	result.DurationMs = time.Since(started).Milliseconds()
	if out != nil {
		result.Output = out.Output
		result.DryRun = out.DryRun
		result.CorrelationKey = out.CorrelationKey
	}
	if out != nil && out.Pending {
		result.Status = schema.ActionStatusPending
		return result, nil
	}
	result.Status = schema.ActionStatusSuccess
	now := d.ledger.conds.Now()
	result.CompletedAt = &now
	return result, nil
}

// overallStatus: all succeeded is completed, none succeeded is failed, anything
// else is partially_failed. Pending counts as succeeded. A fatal error fails the execution.
func overallStatus(results []store.ActionResult, fatal error) schema.ExecutionStatus {
	if fatal != nil {
		return schema.ExecutionFailed
	}
	ok := 0
	for _, r := range results {
		if r.Status != schema.ActionStatusFailed {
			ok++
		}
	}
	switch {
	case ok == len(results):
		return schema.ExecutionCompleted
	case ok == 0:
		return schema.ExecutionFailed
	default:
		return schema.ExecutionPartiallyFailed
	}
}

// redactingVault stands in for the real vault in test mode so dry-run logs
// never carry secret values.
type redactingVault struct{}

func (redactingVault) Resolve(context.Context, string) ([]byte, error) { return []byte("[redacted]"), nil }

func (redactingVault) Store(context.Context, string, []byte) error {
	return schema.NewError(schema.ErrCodeVault, "vault is read-only in test mode")
}

func (redactingVault) Delete(context.Context, string) error {
	return schema.NewError(schema.ErrCodeVault, "vault is read-only in test mode")
}

func (redactingVault) List(context.Context) ([]string, error) { return nil, nil }

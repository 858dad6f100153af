package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hireflow/internal/actions"
	"github.com/rendis/hireflow/internal/expressions"
	"github.com/rendis/hireflow/internal/logging"
	"github.com/rendis/hireflow/internal/metrics"
	"github.com/rendis/hireflow/internal/secrets"
	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/internal/streaming"
	"github.com/rendis/hireflow/internal/validation"
	"github.com/rendis/hireflow/pkg/schema"
)

// Config holds engine tunables.
type Config struct {
	Workers        int
	QueueSize      int
	MaxChainDepth  int
	Location       *time.Location
	StaleAfter     time.Duration // deferred matches older than this are dropped
	ReconcileAfter time.Duration // open executions idle longer than this are orphans
	DeferredBatch  int
	MatchCacheTTL  time.Duration
	Retry          RetryPolicy
	Breaker        CircuitBreakerConfig
	Now            func() time.Time
}

// DefaultConfig returns the settings used when a Config field is left zero.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      1024,
		MaxChainDepth:  5,
		Location:       time.UTC,
		StaleAfter:     72 * time.Hour,
		ReconcileAfter: 15 * time.Minute,
		DeferredBatch:  100,
		MatchCacheTTL:  5 * time.Second,
		Retry:          DefaultRetryPolicy(),
		Breaker:        DefaultCircuitBreakerConfig(),
		Now:            time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxChainDepth <= 0 {
		c.MaxChainDepth = d.MaxChainDepth
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = d.ReconcileAfter
	}
	if c.DeferredBatch <= 0 {
		c.DeferredBatch = d.DeferredBatch
	}
	if c.MatchCacheTTL < 0 {
		c.MatchCacheTTL = 0
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Store is the persistence the engine needs.
type Store interface {
	store.WorkflowStore
	store.LedgerStore
	store.StageStore
}

// Deps are the engine's collaborators. Store is required. Deferred defaults
// to Store when it also implements store.DeferredStore.
type Deps struct {
	Store         Store
	Deferred      store.DeferredStore
	Collaborators actions.Collaborators
	Webhook       actions.WebhookOptions
	Vault         secrets.Vault
	Hub           streaming.EventHub
	Logger        *slog.Logger
}

// OutcomeKind is what happened to one workflow for one event.
type OutcomeKind string

const (
	OutcomeExecuted      OutcomeKind = "executed"
	OutcomeDeferred      OutcomeKind = "deferred"
	OutcomeLimitExceeded OutcomeKind = "limit_exceeded"
	OutcomeDuplicate     OutcomeKind = "duplicate"
	OutcomeError         OutcomeKind = "error"
)

// Outcome reports the pipeline result for one matched workflow.
type Outcome struct {
	WorkflowID  string                 `json:"workflowId"`
	Kind        OutcomeKind            `json:"outcome"`
	ExecutionID string                 `json:"executionId,omitempty"`
	Status      schema.ExecutionStatus `json:"status,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Engine ties matching, gating, reservation and dispatch together and owns
// the ingest queue.
type Engine struct {
	cfg        Config
	store      Store
	deferred   store.DeferredStore
	collab     actions.Collaborators
	registry   *actions.Registry
	matcher    *Matcher
	conds      *ConditionEvaluator
	ledger     *Ledger
	dispatcher *Dispatcher
	breakers   *CircuitBreakerRegistry
	workflows  *WorkflowService
	logger     *slog.Logger

	mu       sync.RWMutex
	queue    chan schema.CandidateEvent
	closed   bool
	pool     *WorkerPool
	loopDone chan struct{}
	cancel   context.CancelFunc
}

// New wires an engine. It does not start the workers; call Start.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deferred := deps.Deferred
	if deferred == nil {
		ds, ok := deps.Store.(store.DeferredStore)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a deferred store")
		}
		deferred = ds
	}

	conditions, err := expressions.NewConditions()
	if err != nil {
		return nil, fmt.Errorf("condition engines: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    deps.Store,
		deferred: deferred,
		collab:   deps.Collaborators.WithDefaults(logger),
		registry: actions.NewRegistry(logger),
		logger:   logger,
		queue:    make(chan schema.CandidateEvent, cfg.QueueSize),
		pool:     NewWorkerPool(cfg.Workers),
	}

	var signer *secrets.Signer
	if deps.Vault != nil {
		signer = secrets.NewSigner(deps.Vault)
	}
	if err := actions.RegisterBuiltins(e.registry, actions.BuiltinOptions{
		Collaborators: e.collab,
		Emitter:       e,
		Webhook:       deps.Webhook,
		Signer:        signer,
		Now:           cfg.Now,
	}); err != nil {
		return nil, err
	}

	validator, err := validation.NewWorkflowValidator(e.registry)
	if err != nil {
		return nil, err
	}

	e.breakers = NewCircuitBreakerRegistry(cfg.Breaker)
	e.conds = NewConditionEvaluator(deps.Store, cfg.Location, cfg.Now, logger)
	e.matcher = NewMatcher(deps.Store, conditions, e.collab.Directory, cfg.MatchCacheTTL, cfg.Now, logger)
	e.ledger = NewLedger(deps.Store, deps.Hub, e.conds, logger)
	e.dispatcher = NewDispatcher(e.registry, e.ledger, e.breakers, DispatcherOptions{
		Retry:         cfg.Retry,
		MaxChainDepth: cfg.MaxChainDepth,
		Vault:         deps.Vault,
	}, logger)
	e.workflows = NewWorkflowService(deps.Store, validator, NewWorkflowFSM(deps.Store), e.matcher, deps.Hub, logger)

	e.pool.OnPanic(func(r any) {
		metrics.PipelinePanics.Inc()
		logger.Error("event pipeline panicked", slog.Any("panic", r))
	})
	return e, nil
}

// Workflows returns the write path for workflow definitions.
func (e *Engine) Workflows() *WorkflowService { return e.workflows }

// PoolMetrics reports worker pool activity for the health endpoint.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// QueueLen is the number of ingested events waiting for a worker.
func (e *Engine) QueueLen() int { return len(e.queue) }

// Ingest validates an event and queues it. It never blocks: a full queue
// returns QUEUE_FULL.
func (e *Engine) Ingest(ctx context.Context, ev schema.CandidateEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.cfg.Now()
	}
	if err := ev.Validate(); err != nil {
		metrics.EventsIngested.WithLabelValues(string(ev.Type), "invalid").Inc()
		return err
	}
	if ev.Depth > e.cfg.MaxChainDepth {
		metrics.EventsIngested.WithLabelValues(string(ev.Type), "too_deep").Inc()
		metrics.ReentrancyViolations.Inc()
		e.logger.ErrorContext(logging.WithEvent(ctx, ev.CandidateID, ev.ID), "event exceeds maximum chain depth",
			slog.Int("depth", ev.Depth), slog.Int("max_chain_depth", e.cfg.MaxChainDepth))
		return schema.NewErrorf(schema.ErrCodeReentrancyBound,
			"event depth %d exceeds bound %d", ev.Depth, e.cfg.MaxChainDepth).
			WithDetails(map[string]any{"depth": ev.Depth, "max_chain_depth": e.cfg.MaxChainDepth})
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return schema.NewError(schema.ErrCodeQueueFull, "engine is stopped")
	}
	select {
	case e.queue <- ev:
		metrics.EventsIngested.WithLabelValues(string(ev.Type), "accepted").Inc()
		metrics.QueueDepth.Set(float64(len(e.queue)))
		return nil
	default:
		metrics.EventsIngested.WithLabelValues(string(ev.Type), "queue_full").Inc()
		return schema.NewErrorf(schema.ErrCodeQueueFull, "ingest queue is full (%d)", cap(e.queue))
	}
}

// Emit implements actions.Emitter. Derived events go through the queue like
// any other event.
func (e *Engine) Emit(ctx context.Context, ev schema.CandidateEvent) error {
	return e.Ingest(ctx, ev)
}

// Start launches the queue consumer. Events are processed on the worker pool.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loopDone = make(chan struct{})

	go func() {
		defer close(e.loopDone)
		for ev := range e.queue {
			metrics.QueueDepth.Set(float64(len(e.queue)))
			event := ev
			err := e.pool.Submit(ctx, func(ctx context.Context) error {
				_, err := e.Process(ctx, &event)
				return err
			})
			if err != nil {
				e.logger.WarnContext(logging.WithEvent(ctx, event.CandidateID, event.ID),
					"event dropped", slog.String("error", err.Error()))
			}
		}
	}()
}

// Stop refuses new events, drains the queue and waits for running pipelines.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	if e.loopDone != nil {
		select {
		case <-e.loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.pool.Shutdown()
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// Process runs the full pipeline for one event synchronously and reports the
// outcome per matched workflow, in dispatch order.
func (e *Engine) Process(ctx context.Context, ev *schema.CandidateEvent) ([]Outcome, error) {
	ctx = logging.WithEvent(ctx, ev.CandidateID, ev.ID)
	e.trackStage(ctx, ev)

	profile := e.profile(ctx, ev.CandidateID)
	wfs, err := e.matcher.match(ctx, ev, profile)
	if err != nil {
		e.logger.ErrorContext(ctx, "trigger matching failed", slog.String("error", err.Error()))
		return nil, err
	}
	if len(wfs) == 0 {
		e.logger.DebugContext(ctx, "no workflow matched", slog.String("event_type", string(ev.Type)))
		return nil, nil
	}

	outcomes := make([]Outcome, 0, len(wfs))
	for _, wf := range wfs {
		outcomes = append(outcomes, e.runWorkflow(ctx, wf, ev, profile))
	}
	return outcomes, nil
}

// runWorkflow is the per-workflow pipeline. A panic here is contained to this workflow.
func (e *Engine) runWorkflow(ctx context.Context, wf *store.Workflow, ev *schema.CandidateEvent, profile map[string]any) (out Outcome) {
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	out = Outcome{WorkflowID: wf.ID}
	defer func() {
		if r := recover(); r != nil {
			metrics.PipelinePanics.Inc()
			e.logger.ErrorContext(ctx, "workflow pipeline panicked",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			out.Kind = OutcomeError
			out.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	elig, err := e.conds.IsEligible(ctx, wf, ev)
	if err != nil {
		return errorOutcome(out, err)
	}
	switch elig {
	case EligibilityDeferred:
		if err := e.deferMatch(ctx, wf, ev); err != nil {
			return errorOutcome(out, err)
		}
		out.Kind = OutcomeDeferred
		return out
	case EligibilityLimitExceeded:
		out.Kind = OutcomeLimitExceeded
		return out
	}

	res, err := e.ledger.Reserve(ctx, wf, ev)
	switch {
	case schema.HasCode(err, schema.ErrCodeLimitExceeded):
		e.logger.DebugContext(ctx, "reservation refused: limit reached", slog.Any("reason", detail(err, "reason")))
		out.Kind = OutcomeLimitExceeded
		return out
	case schema.HasCode(err, schema.ErrCodeDuplicateEvent):
		e.logger.DebugContext(ctx, "event already recorded for workflow")
		out.Kind = OutcomeDuplicate
		out.ExecutionID, _ = detail(err, "execution_id").(string)
		return out
	case err != nil:
		e.logger.ErrorContext(ctx, "reservation failed", slog.String("error", err.Error()))
		return errorOutcome(out, err)
	}

	scope := expressions.NewScope(ev, workflowScope(wf), profile)
	rec, err := e.dispatcher.Dispatch(ctx, res, scope)
	out.ExecutionID = res.Record.ID
	if err != nil {
		return errorOutcome(out, err)
	}
	out.Kind = OutcomeExecuted
	out.Status = rec.Status
	return out
}

func errorOutcome(out Outcome, err error) Outcome {
	out.Kind = OutcomeError
	out.Error = err.Error()
	return out
}

func (e *Engine) deferMatch(ctx context.Context, wf *store.Workflow, ev *schema.CandidateEvent) error {
	now := e.cfg.Now()
	due, ok := e.conds.NextWindowOpen(wf.Schedule, now)
	if !ok {
		due = now.Add(time.Hour)
	}
	err := e.deferred.EnqueueDeferred(ctx, &store.DeferredMatch{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Event:      *ev,
		EnqueuedAt: now,
		DueAt:      due,
	})
	if err != nil {
		return fmt.Errorf("enqueue deferred match: %w", err)
	}
	metrics.DeferredEnqueued.Inc()
	e.logger.InfoContext(ctx, "schedule window closed, match deferred", slog.Time("due_at", due))
	return nil
}

// RedriveStats summarizes one pass over the deferred queue.
type RedriveStats struct {
	Redriven    int `json:"redriven"`
	Rescheduled int `json:"rescheduled"`
	Dropped     int `json:"dropped"`
}

// RedriveDeferred re-runs due deferred matches whose window is now open.
// Matches older than the staleness horizon, or whose workflow is gone,
// inactive or no longer matches, are dropped.
func (e *Engine) RedriveDeferred(ctx context.Context) (RedriveStats, error) {
	var stats RedriveStats
	now := e.cfg.Now()
	due, err := e.deferred.DueDeferred(ctx, now, e.cfg.DeferredBatch)
	if err != nil {
		return stats, err
	}

	for _, m := range due {
		ev := m.Event
		mctx := logging.WithWorkflowID(logging.WithEvent(ctx, ev.CandidateID, ev.ID), m.WorkflowID)

		if now.Sub(m.EnqueuedAt) > e.cfg.StaleAfter {
			metrics.DeferredDropped.Inc()
			e.logger.WarnContext(mctx, "deferred match dropped after staleness horizon",
				slog.Time("enqueued_at", m.EnqueuedAt), slog.Duration("stale_after", e.cfg.StaleAfter))
			e.dropDeferred(mctx, m)
			stats.Dropped++
			continue
		}

		wf, err := e.store.GetWorkflow(mctx, m.WorkflowID)
		if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			e.logger.WarnContext(mctx, "deferred redrive: load workflow failed", slog.String("error", err.Error()))
			continue
		}
		profile := e.profile(mctx, ev.CandidateID)
		if wf == nil || wf.ArchivedAt != nil || !wf.IsActive || !e.matcher.holds(mctx, wf, &ev, profile, now) {
			e.logger.InfoContext(mctx, "deferred match no longer applies")
			e.dropDeferred(mctx, m)
			stats.Dropped++
			continue
		}

		if !e.conds.WindowOpen(wf.Schedule, now) {
			e.reschedule(mctx, wf, m, now)
			stats.Rescheduled++
			continue
		}

		out := e.runWorkflow(mctx, wf, &ev, profile)
		if out.Kind == OutcomeDeferred {
			e.reschedule(mctx, wf, m, now)
			stats.Rescheduled++
			continue
		}
		e.dropDeferred(mctx, m)
		stats.Redriven++
	}
	return stats, nil
}

func (e *Engine) reschedule(ctx context.Context, wf *store.Workflow, m *store.DeferredMatch, now time.Time) {
	next, ok := e.conds.NextWindowOpen(wf.Schedule, now)
	if !ok || !next.After(now) {
		next = now.Add(time.Hour)
	}
	if err := e.deferred.RescheduleDeferred(ctx, m.ID, next); err != nil {
		e.logger.WarnContext(ctx, "reschedule deferred match failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) dropDeferred(ctx context.Context, m *store.DeferredMatch) {
	if err := e.deferred.DeleteDeferred(ctx, m.ID); err != nil {
		e.logger.WarnContext(ctx, "delete deferred match failed", slog.String("error", err.Error()))
	}
}

// EmitStageTicks runs the timer triggers. A candidate gets a stage tick only
// once it has been in its stage long enough for some active DAYS_IN_STAGE
// workflow, and an inactivity tick only once it has been idle long enough for
// some INACTIVITY workflow. Ticks are processed directly rather than through
// the ingest queue, so they never compete with external or chained events.
// Tick IDs are stable per stage entry and per activity timestamp, so each timer
// trigger fires at most once per period. Returns the number of ticks processed.
func (e *Engine) EmitStageTicks(ctx context.Context) (int, error) {
	th, err := e.matcher.timerThresholds(ctx)
	if err != nil || th.empty() {
		return 0, err
	}
	stages, err := e.store.ListStages(ctx)
	if err != nil {
		return 0, err
	}

	now := e.cfg.Now()
	emitted := 0
	for _, st := range stages {
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		var ticks []schema.CandidateEvent
		if st.Status != "" && !st.EnteredAt.IsZero() && th.stageDue(st.Status, wholeDays(st.EnteredAt, now)) {
			entered := st.EnteredAt
			ticks = append(ticks, schema.CandidateEvent{
				ID:          fmt.Sprintf("stage-tick:%s:%s:%d", st.CandidateID, st.Status, entered.Unix()),
				CandidateID: st.CandidateID,
				Type:        schema.EventStageTick,
				Payload:     schema.EventPayload{Status: st.Status, EnteredStageAt: &entered},
				OccurredAt:  now,
			})
		}
		if !st.LastActivityAt.IsZero() && th.inactivityDue(wholeDays(st.LastActivityAt, now)) {
			last := st.LastActivityAt
			ticks = append(ticks, schema.CandidateEvent{
				ID:          fmt.Sprintf("inactivity-tick:%s:%d", st.CandidateID, last.Unix()),
				CandidateID: st.CandidateID,
				Type:        schema.EventStageTick,
				Payload:     schema.EventPayload{Status: st.Status, LastActivityAt: &last},
				OccurredAt:  now,
			})
		}
		for i := range ticks {
			if _, err := e.Process(ctx, &ticks[i]); err != nil {
				e.logger.WarnContext(ctx, "stage tick failed",
					slog.String("candidate_id", st.CandidateID), slog.String("error", err.Error()))
				continue
			}
			metrics.EventsIngested.WithLabelValues(string(schema.EventStageTick), "processed").Inc()
			emitted++
		}
	}
	return emitted, nil
}

// Reconcile fails orphaned executions idle longer than ReconcileAfter.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	return e.ledger.Reconcile(ctx, e.cfg.ReconcileAfter)
}

// CompleteAsyncAction records the final result of a pending action.
func (e *Engine) CompleteAsyncAction(ctx context.Context, executionID string, index int, result store.ActionResult) (*store.ExecutionRecord, error) {
	result.ActionIndex = index
	return e.ledger.AppendActionResult(ctx, executionID, result)
}

func (e *Engine) trackStage(ctx context.Context, ev *schema.CandidateEvent) {
	var err error
	switch {
	case ev.Type == schema.EventStageTick:
		return
	case ev.Type == schema.EventStatusChanged && ev.Payload.ToStatus != "":
		err = e.store.RecordStage(ctx, ev.CandidateID, ev.Payload.ToStatus, ev.OccurredAt)
	default:
		err = e.store.RecordActivity(ctx, ev.CandidateID, ev.OccurredAt)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "stage tracking failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) profile(ctx context.Context, candidateID string) map[string]any {
	if e.collab.Directory == nil {
		return nil
	}
	p, err := e.collab.Directory.Profile(ctx, candidateID)
	if err != nil {
		if !schema.HasCode(err, schema.ErrCodeNotFound) {
			e.logger.WarnContext(ctx, "candidate profile lookup failed", slog.String("error", err.Error()))
		}
		return nil
	}
	return p
}

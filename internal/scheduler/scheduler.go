package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/hireflow/internal/engine"
)

// Maintainer is the engine surface the scheduler drives.
// Satisfied by *engine.Engine.
type Maintainer interface {
	RedriveDeferred(ctx context.Context) (engine.RedriveStats, error)
	EmitStageTicks(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (int, error)
}

// Job names.
const (
	JobRedrive    = "redrive_deferred"
	JobStageTicks = "stage_ticks"
	JobReconcile  = "reconcile"
)

// Options configures the scheduler. Specs accept standard five-field cron
// expressions and descriptors such as "@every 30s".
type Options struct {
	TickSpec      string        // redrive and stage ticks; default "@every 1m"
	ReconcileSpec string        // default "@every 5m"
	PollInterval  time.Duration // how often due jobs are checked; default 1s
	Now           func() time.Time
}

// JobStatus is a snapshot of one maintenance job.
type JobStatus struct {
	Name          string     `json:"name"`
	Spec          string     `json:"spec"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt     time.Time  `json:"nextRunAt"`
	LastRunStatus string     `json:"lastRunStatus,omitempty"`
}

type job struct {
	JobStatus
	schedule cron.Schedule
	run      func(ctx context.Context) error
}

// Scheduler runs the engine's periodic maintenance: redriving deferred
// matches, emitting stage ticks for timer triggers and reconciling orphans.
type Scheduler struct {
	target Maintainer
	parser cron.Parser
	poll   time.Duration
	now    func() time.Time
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   []*job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler. It fails when a spec does not parse.
func NewScheduler(target Maintainer, opts Options, logger *slog.Logger) (*Scheduler, error) {
	if opts.TickSpec == "" {
		opts.TickSpec = "@every 1m"
	}
	if opts.ReconcileSpec == "" {
		opts.ReconcileSpec = "@every 5m"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		target:   target,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		poll:     opts.PollInterval,
		now:      opts.Now,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}

	now := s.now().UTC()
	for _, def := range []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{JobRedrive, opts.TickSpec, s.redrive},
		{JobStageTicks, opts.TickSpec, s.stageTicks},
		{JobReconcile, opts.ReconcileSpec, s.reconcile},
	} {
		sched, err := s.parser.Parse(def.spec)
		if err != nil {
			return nil, fmt.Errorf("parse %s schedule %q: %w", def.name, def.spec, err)
		}
		s.jobs = append(s.jobs, &job{
			JobStatus: JobStatus{Name: def.name, Spec: def.spec, NextRunAt: sched.Next(now)},
			schedule:  sched,
			run:       def.run,
		})
	}
	return s, nil
}

// Start launches the background loop. Every job runs once immediately so
// work missed while the process was down is picked up.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("poll_interval", s.poll))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, j := range s.snapshotDue(now) {
		s.runJob(ctx, j, now)
	}
}

// RunAll runs every job once regardless of its schedule.
func (s *Scheduler) RunAll(ctx context.Context) {
	now := s.now().UTC()
	s.jobsMu.Lock()
	jobs := append([]*job(nil), s.jobs...)
	s.jobsMu.Unlock()
	for _, j := range jobs {
		s.runJob(ctx, j, now)
	}
}

func (s *Scheduler) snapshotDue(now time.Time) []*job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var due []*job
	for _, j := range s.jobs {
		if !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	return due
}

func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	if !s.tryAcquire(j.Name) {
		return
	}
	defer s.releaseJob(j.Name)

	status := "success"
	if err := j.run(ctx); err != nil {
		status = "error"
		s.logger.Error("maintenance job failed",
			slog.String("job", j.Name),
			slog.String("error", err.Error()),
		)
	}

	s.jobsMu.Lock()
	j.LastRunAt = &now
	j.LastRunStatus = status
	j.NextRunAt = j.schedule.Next(now)
	s.jobsMu.Unlock()
}

func (s *Scheduler) redrive(ctx context.Context) error {
	stats, err := s.target.RedriveDeferred(ctx)
	if err != nil {
		return err
	}
	if stats != (engine.RedriveStats{}) {
		s.logger.Info("deferred matches processed",
			slog.Int("redriven", stats.Redriven),
			slog.Int("rescheduled", stats.Rescheduled),
			slog.Int("dropped", stats.Dropped),
		)
	}
	return nil
}

func (s *Scheduler) stageTicks(ctx context.Context) error {
	n, err := s.target.EmitStageTicks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("stage ticks processed", slog.Int("count", n))
	}
	return nil
}

func (s *Scheduler) reconcile(ctx context.Context) error {
	n, err := s.target.Reconcile(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("orphaned executions reconciled", slog.Int("count", n))
	}
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Jobs returns a snapshot of the maintenance jobs.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.JobStatus
		if j.LastRunAt != nil {
			t := *j.LastRunAt
			st.LastRunAt = &t
		}
		out = append(out, st)
	}
	return out
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for a running job to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

// Eligibility is the gate verdict for one workflow and one event.
type Eligibility string

const (
	EligibilityOK            Eligibility = "eligible"
	EligibilityDeferred      Eligibility = "deferred"
	EligibilityLimitExceeded Eligibility = "limit_exceeded"
)

// ExecutionCounter reads ledger counts for the advisory limit check.
type ExecutionCounter interface {
	CountExecutions(ctx context.Context, workflowID, candidateID, day string) (store.ExecutionCounts, error)
}

// ConditionEvaluator applies the schedule window and the execution limits.
// The limit check here is advisory; Reserve is authoritative.
type ConditionEvaluator struct {
	counter  ExecutionCounter
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

func NewConditionEvaluator(counter ExecutionCounter, loc *time.Location, now func() time.Time, logger *slog.Logger) *ConditionEvaluator {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionEvaluator{counter: counter, location: loc, now: now, logger: logger}
}

// IsEligible checks the schedule window first, then the execution limits.
// A closed window wins over an exhausted limit so the match is retried later.
func (c *ConditionEvaluator) IsEligible(ctx context.Context, wf *store.Workflow, event *schema.CandidateEvent) (Eligibility, error) {
	now := c.now()
	if !c.WindowOpen(wf.Schedule, now) {
		return EligibilityDeferred, nil
	}

	if wf.MaxExecutionsPerDay <= 0 && wf.MaxExecutionsPerCandidate <= 0 {
		return EligibilityOK, nil
	}
	counts, err := c.counter.CountExecutions(ctx, wf.ID, event.CandidateID, c.Day(now))
	if err != nil {
		return "", err
	}
	if wf.MaxExecutionsPerDay > 0 && counts.Today >= wf.MaxExecutionsPerDay {
		c.logger.DebugContext(ctx, "per-day limit reached",
			slog.String("workflow_id", wf.ID), slog.Int("today", counts.Today))
		return EligibilityLimitExceeded, nil
	}
	if wf.MaxExecutionsPerCandidate > 0 && counts.ForCandidate >= wf.MaxExecutionsPerCandidate {
		c.logger.DebugContext(ctx, "per-candidate limit reached",
			slog.String("workflow_id", wf.ID), slog.String("candidate_id", event.CandidateID))
		return EligibilityLimitExceeded, nil
	}
	return EligibilityOK, nil
}

// WindowOpen reports whether t falls inside the schedule's inclusion sets.
// A nil or disabled schedule is always open; an empty set places no restriction.
func (c *ConditionEvaluator) WindowOpen(s *schema.Schedule, t time.Time) bool {
	if s == nil || !s.Enabled {
		return true
	}
	local := t.In(c.location)
	if len(s.DaysOfWeek) > 0 && !slices.Contains(s.DaysOfWeek, int(local.Weekday())) {
		return false
	}
	if len(s.Hours) > 0 && !slices.Contains(s.Hours, local.Hour()) {
		return false
	}
	return true
}

// NextWindowOpen returns the start of the first open hour at or after t,
// searching one week ahead. The second result is false when the schedule never opens.
func (c *ConditionEvaluator) NextWindowOpen(s *schema.Schedule, t time.Time) (time.Time, bool) {
	if c.WindowOpen(s, t) {
		return t, true
	}
	local := t.In(c.location)
	hour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, c.location)
	for i := 1; i <= 7*24; i++ {
		candidate := hour.Add(time.Duration(i) * time.Hour)
		if c.WindowOpen(s, candidate) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// Day is the calendar day of t in the engine time zone, used for per-day caps.
func (c *ConditionEvaluator) Day(t time.Time) string {
	return t.In(c.location).Format("2006-01-02")
}

// Now is the evaluator's clock.
func (c *ConditionEvaluator) Now() time.Time { return c.now() }

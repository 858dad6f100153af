package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rendis/hireflow/internal/expressions"
	"github.com/rendis/hireflow/internal/metrics"
	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

const oneDay = 24 * time.Hour

// WorkflowLister is the slice of the workflow store the matcher reads.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
}

// ProfileLookup supplies candidate data for workflow conditions.
type ProfileLookup interface {
	Profile(ctx context.Context, candidateID string) (map[string]any, error)
}

// Matcher selects the active workflows whose trigger and condition hold for an event.
type Matcher struct {
	source     WorkflowLister
	cache      *gocache.Cache
	conditions *expressions.Conditions
	profiles   ProfileLookup
	now        func() time.Time
	logger     *slog.Logger
}

// NewMatcher builds a matcher. cacheTTL <= 0 disables caching of the active workflow set.
func NewMatcher(source WorkflowLister, conds *expressions.Conditions, profiles ProfileLookup, cacheTTL time.Duration, now func() time.Time, logger *slog.Logger) *Matcher {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{
		source:     source,
		conditions: conds,
		profiles:   profiles,
		now:        now,
		logger:     logger,
	}
	if cacheTTL > 0 {
		m.cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	return m
}

// Invalidate drops the cached workflow sets. Called after every workflow write.
func (m *Matcher) Invalidate() {
	if m.cache != nil {
		m.cache.Flush()
	}
}

// Match returns the workflows to run for event in dispatch order:
// priority desc, then CreatedAt asc, then ID asc.
func (m *Matcher) Match(ctx context.Context, event *schema.CandidateEvent) ([]*store.Workflow, error) {
	var profile map[string]any
	if m.profiles != nil {
		p, err := m.profiles.Profile(ctx, event.CandidateID)
		if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		profile = p
	}
	return m.match(ctx, event, profile)
}

func (m *Matcher) match(ctx context.Context, event *schema.CandidateEvent, profile map[string]any) ([]*store.Workflow, error) {
	candidates, err := m.activeFor(ctx, event.Type)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var matched []*store.Workflow
	for _, wf := range candidates {
		if !m.holds(ctx, wf, event, profile, now) {
			continue
		}
		metrics.WorkflowsMatched.WithLabelValues(string(wf.Trigger.Type)).Inc()
		matched = append(matched, wf)
	}

	sortByPriority(matched)
	return matched, nil
}

func (m *Matcher) activeFor(ctx context.Context, eventType schema.EventType) ([]*store.Workflow, error) {
	key := string(eventType)
	if m.cache != nil {
		if cached, ok := m.cache.Get(key); ok {
			return cached.([]*store.Workflow), nil
		}
	}

	triggers := schema.TriggerTypesFor(eventType)
	if len(triggers) == 0 {
		return nil, nil
	}
	active := true
	wfs, err := m.source.ListWorkflows(ctx, store.WorkflowFilter{Active: &active, TriggerTypes: triggers})
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.SetDefault(key, wfs)
	}
	return wfs, nil
}

// holds applies the trigger predicate and then the optional condition.
func (m *Matcher) holds(ctx context.Context, wf *store.Workflow, event *schema.CandidateEvent, profile map[string]any, now time.Time) bool {
	if !m.triggerHolds(wf, event, now) {
		return false
	}
	if wf.Condition == nil || m.conditions == nil {
		return true
	}
	scope := expressions.NewScope(event, workflowScope(wf), profile)
	ok, err := m.conditions.Evaluate(ctx, wf.Condition, scope.ConditionData())
	if err != nil {
		m.logger.WarnContext(ctx, "workflow condition failed, treating as no match",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// timerThresholds holds the smallest day counts the active timer workflows wait for.
type timerThresholds struct {
	stage      map[string]int // upper-cased status, "" for any status
	inactivity int            // -1 when no INACTIVITY workflow is active
}

func (t timerThresholds) empty() bool { return len(t.stage) == 0 && t.inactivity < 0 }

// stageDue reports whether some DAYS_IN_STAGE workflow could fire for a
// candidate that has spent days in status.
func (t timerThresholds) stageDue(status string, days int) bool {
	for _, key := range []string{"", strings.ToUpper(status)} {
		if need, ok := t.stage[key]; ok && days >= need {
			return true
		}
	}
	return false
}

func (t timerThresholds) inactivityDue(days int) bool {
	return t.inactivity >= 0 && days >= t.inactivity
}

// timerThresholds scans the active stage-tick workflows.
func (m *Matcher) timerThresholds(ctx context.Context) (timerThresholds, error) {
	th := timerThresholds{stage: make(map[string]int), inactivity: -1}
	wfs, err := m.activeFor(ctx, schema.EventStageTick)
	if err != nil {
		return th, err
	}
	for _, wf := range wfs {
		cfg, err := schema.DecodeTriggerConfig(wf.Trigger)
		if err != nil {
			continue
		}
		switch c := cfg.(type) {
		case schema.DaysInStageConfig:
			key := strings.ToUpper(c.Status)
			if cur, ok := th.stage[key]; !ok || c.Days < cur {
				th.stage[key] = c.Days
			}
		case schema.InactivityConfig:
			if th.inactivity < 0 || c.Days < th.inactivity {
				th.inactivity = c.Days
			}
		}
	}
	return th, nil
}

func (m *Matcher) triggerHolds(wf *store.Workflow, event *schema.CandidateEvent, now time.Time) bool {
	if wf.ArchivedAt != nil || !wf.IsActive {
		return false
	}
	cfg, err := schema.DecodeTriggerConfig(wf.Trigger)
	if err != nil {
		m.logger.Warn("undecodable trigger config", slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
		return false
	}
	p := event.Payload

	switch c := cfg.(type) {
	case schema.StatusChangedConfig:
		if event.Type != schema.EventStatusChanged {
			return false
		}
		if c.ToStatus != "" && !strings.EqualFold(c.ToStatus, p.ToStatus) {
			return false
		}
		return c.FromStatus == "" || strings.EqualFold(c.FromStatus, p.FromStatus)

	case schema.TagAddedConfig:
		return event.Type == schema.EventTagAdded && c.Tag != "" && strings.EqualFold(c.Tag, p.Tag)

	case schema.DaysInStageConfig:
		if event.Type != schema.EventStageTick || p.EnteredStageAt == nil {
			return false
		}
		if c.Status != "" && !strings.EqualFold(c.Status, p.Status) {
			return false
		}
		return wholeDays(*p.EnteredStageAt, now) >= c.Days

	case schema.ScoreThresholdConfig:
		return event.Type == schema.EventScoreUpdated && p.Score != nil && *p.Score >= c.MinScore

	case schema.InactivityConfig:
		if event.Type != schema.EventStageTick || p.LastActivityAt == nil {
			return false
		}
		return wholeDays(*p.LastActivityAt, now) >= c.Days
	}
	return false
}

// wholeDays counts complete 24h periods from since to now. Negative spans count as zero.
func wholeDays(since, now time.Time) int {
	d := now.Sub(since)
	if d < 0 {
		return 0
	}
	return int(d / oneDay)
}

func sortByPriority(wfs []*store.Workflow) {
	sort.SliceStable(wfs, func(i, j int) bool {
		a, b := wfs[i], wfs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// workflowScope is the workflow metadata visible to conditions and interpolation.
func workflowScope(wf *store.Workflow) map[string]any {
	return map[string]any{
		"id":       wf.ID,
		"name":     wf.Name,
		"priority": wf.Priority,
		"testMode": wf.TestMode,
	}
}

package actions

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/rendis/hireflow/pkg/schema"
)

// Candidate is the in-memory view of a candidate record.
type Candidate struct {
	ID        string
	Status    string
	Tags      []string
	Assignees []string
	Fields    map[string]any
}

// MemoryCandidates is a CandidateMutator and CandidateDirectory kept in memory.
// Unknown candidates are created on first mutation.
type MemoryCandidates struct {
	mu         sync.RWMutex
	candidates map[string]*Candidate
}

func NewMemoryCandidates() *MemoryCandidates {
	return &MemoryCandidates{candidates: make(map[string]*Candidate)}
}

// Put replaces a candidate record.
func (m *MemoryCandidates) Put(c Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	cp.Tags = slices.Clone(c.Tags)
	cp.Assignees = slices.Clone(c.Assignees)
	cp.Fields = maps.Clone(c.Fields)
	m.candidates[c.ID] = &cp
}

// Get returns a copy of the candidate record.
func (m *MemoryCandidates) Get(id string) (Candidate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[id]
	if !ok {
		return Candidate{}, false
	}
	cp := *c
	cp.Tags = slices.Clone(c.Tags)
	cp.Assignees = slices.Clone(c.Assignees)
	cp.Fields = maps.Clone(c.Fields)
	return cp, true
}

func (m *MemoryCandidates) upsert(id string) *Candidate {
	c, ok := m.candidates[id]
	if !ok {
		c = &Candidate{ID: id}
		m.candidates[id] = c
	}
	return c
}

func (m *MemoryCandidates) AddTag(_ context.Context, candidateID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.upsert(candidateID)
	if !slices.ContainsFunc(c.Tags, func(t string) bool { return strings.EqualFold(t, tag) }) {
		c.Tags = append(c.Tags, tag)
	}
	return nil
}

func (m *MemoryCandidates) RemoveTag(_ context.Context, candidateID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.upsert(candidateID)
	c.Tags = slices.DeleteFunc(c.Tags, func(t string) bool { return strings.EqualFold(t, tag) })
	return nil
}

func (m *MemoryCandidates) ChangeStatus(_ context.Context, candidateID, status string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.upsert(candidateID)
	prev := c.Status
	c.Status = status
	return prev, nil
}

func (m *MemoryCandidates) AssignUser(_ context.Context, candidateID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.upsert(candidateID)
	if !slices.Contains(c.Assignees, userID) {
		c.Assignees = append(c.Assignees, userID)
	}
	return nil
}

// Profile returns the candidate's fields plus id, status, tags and assignees.
func (m *MemoryCandidates) Profile(_ context.Context, candidateID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[candidateID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "candidate %q not found", candidateID)
	}
	profile := make(map[string]any, len(c.Fields)+4)
	for k, v := range c.Fields {
		profile[k] = v
	}
	tags := make([]any, len(c.Tags))
	for i, t := range c.Tags {
		tags[i] = t
	}
	assignees := make([]any, len(c.Assignees))
	for i, a := range c.Assignees {
		assignees[i] = a
	}
	profile["id"] = c.ID
	profile["status"] = c.Status
	profile["tags"] = tags
	profile["assignees"] = assignees
	return profile, nil
}

package expressions

import (
	"encoding/json"

	"github.com/rendis/hireflow/pkg/schema"
)

// InterpolationScope holds the data ${{ }} references resolve against.
// Secrets are not part of the scope; they come from the Vault.
type InterpolationScope struct {
	Candidate map[string]any // candidate profile from the directory (name, email, tags, ...)
	Event     map[string]any // CandidateEvent.AsMap()
	Workflow  map[string]any // id, name, priority, testMode
}

// NewScope builds a scope from the triggering event, workflow metadata and
// candidate profile. All inputs are deep-copied so executors cannot mutate them.
func NewScope(event *schema.CandidateEvent, workflow, candidate map[string]any) *InterpolationScope {
	s := &InterpolationScope{
		Candidate: deepCopyMap(candidate),
		Workflow:  deepCopyMap(workflow),
	}
	if event != nil {
		s.Event = event.AsMap()
	}
	if s.Candidate == nil && event != nil {
		s.Candidate = map[string]any{"id": event.CandidateID}
	}
	return s
}

// ConditionData returns the variables a workflow condition sees:
// event, payload, candidate and workflow.
func (s *InterpolationScope) ConditionData() map[string]any {
	data := map[string]any{
		"event":     deepCopyMap(s.Event),
		"candidate": deepCopyMap(s.Candidate),
		"workflow":  deepCopyMap(s.Workflow),
	}
	if p, ok := s.Event["payload"].(map[string]any); ok {
		data["payload"] = deepCopyMap(p)
	}
	return data
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	case json.RawMessage:
		if val == nil {
			return nil
		}
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}

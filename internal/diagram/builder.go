package diagram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

// Fixed node IDs.
const (
	triggerID   = "trigger"
	conditionID = "condition"
	limitID     = "limits"
	scheduleID  = "schedule"
	endID       = "__end__"
	skippedID   = "__skipped__"
	limitedID   = "__limited__"
	deferredID  = "__deferred__"
)

// Status values used by the overlays and renderers.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
	StatusRunning   = "running"
	StatusPending   = "pending"
	StatusDryRun    = "dry_run"
)

// Build lays out a workflow rule as trigger, gates, actions and end. When exec
// is non-nil its action results are overlaid on the action nodes.
func Build(wf *store.Workflow, exec *store.ExecutionRecord) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is required")
	}
	if exec != nil && exec.WorkflowID != wf.ID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"execution %s belongs to workflow %s, not %s", exec.ID, exec.WorkflowID, wf.ID)
	}

	m := &DiagramModel{Title: wf.Name}
	if exec != nil {
		m.Title = fmt.Sprintf("%s (execution %s)", wf.Name, exec.ID)
	}

	var gate *StatusOverlay
	if exec != nil {
		gate = &StatusOverlay{Status: StatusCompleted}
	}

	m.add(&Node{ID: triggerID, Label: triggerLabel(wf.Trigger), Kind: NodeKindTrigger, Status: gate})

	if wf.Condition != nil && wf.Condition.Expression != "" {
		m.add(&Node{ID: conditionID, Label: conditionLabel(wf.Condition), Kind: NodeKindCondition, Status: gate})
		m.exit(conditionID, &Node{ID: skippedID, Label: "Skipped", Kind: NodeKindExit}, "false")
	}
	if wf.MaxExecutionsPerDay > 0 || wf.MaxExecutionsPerCandidate > 0 {
		m.add(&Node{ID: limitID, Label: limitLabel(wf.WorkflowDefinition), Kind: NodeKindLimit, Status: gate})
		m.exit(limitID, &Node{ID: limitedID, Label: "Limit exceeded", Kind: NodeKindExit}, "exceeded")
	}
	if wf.Schedule != nil && wf.Schedule.Enabled {
		m.add(&Node{ID: scheduleID, Label: scheduleLabel(wf.Schedule), Kind: NodeKindSchedule, Status: gate})
		m.exit(scheduleID, &Node{ID: deferredID, Label: "Deferred", Kind: NodeKindExit}, "closed")
	}

	results := make(map[int]store.ActionResult)
	if exec != nil {
		for _, r := range exec.ActionResults {
			results[r.ActionIndex] = r
		}
	}
	for i, a := range wf.Actions {
		node := &Node{ID: actionID(i), Label: fmt.Sprintf("%d. %s", i+1, a.Type), Kind: NodeKindAction}
		if r, ok := results[i]; ok {
			node.Status = actionOverlay(r)
		}
		m.add(node)
	}

	end := &Node{ID: endID, Label: "Done", Kind: NodeKindEnd}
	if exec != nil {
		end.Status = &StatusOverlay{Status: executionStatus(exec.Status), Error: exec.Error}
	}
	m.add(end)
	return m, nil
}

// add appends a main-path node linked to the previous one.
func (m *DiagramModel) add(n *Node) {
	if len(m.Path) > 0 {
		m.Edges = append(m.Edges, Edge{From: m.Path[len(m.Path)-1], To: n.ID})
	}
	m.Nodes = append(m.Nodes, n)
	m.Path = append(m.Path, n.ID)
}

// exit appends an off-path node reached from `from` via a labelled edge.
func (m *DiagramModel) exit(from string, n *Node, label string) {
	m.Nodes = append(m.Nodes, n)
	m.Edges = append(m.Edges, Edge{From: from, To: n.ID, Label: label})
}

func actionID(i int) string { return "action_" + strconv.Itoa(i) }

func actionOverlay(r store.ActionResult) *StatusOverlay {
	o := &StatusOverlay{DurationMs: r.DurationMs, Attempts: r.Attempts, Error: r.Error}
	switch {
	case r.Status == schema.ActionStatusSuccess && r.DryRun:
		o.Status = StatusDryRun
	case r.Status == schema.ActionStatusSuccess:
		o.Status = StatusCompleted
	case r.Status == schema.ActionStatusFailed:
		o.Status = StatusFailed
	default:
		o.Status = StatusPending
	}
	return o
}

func executionStatus(s schema.ExecutionStatus) string {
	switch s {
	case schema.ExecutionCompleted:
		return StatusCompleted
	case schema.ExecutionPartiallyFailed:
		return StatusPartial
	case schema.ExecutionFailed:
		return StatusFailed
	default:
		return StatusRunning
	}
}

func triggerLabel(t schema.Trigger) string {
	cfg, err := schema.DecodeTriggerConfig(t)
	if err != nil {
		return string(t.Type)
	}
	var detail string
	switch c := cfg.(type) {
	case schema.StatusChangedConfig:
		var parts []string
		if c.FromStatus != "" {
			parts = append(parts, "from "+c.FromStatus)
		}
		if c.ToStatus != "" {
			parts = append(parts, "to "+c.ToStatus)
		}
		detail = strings.Join(parts, " ")
	case schema.TagAddedConfig:
		detail = "tag " + c.Tag
	case schema.DaysInStageConfig:
		detail = fmt.Sprintf("%d days", c.Days)
		if c.Status != "" {
			detail += " in " + c.Status
		}
	case schema.ScoreThresholdConfig:
		detail = fmt.Sprintf("score >= %g", c.MinScore)
	case schema.InactivityConfig:
		detail = fmt.Sprintf("%d days idle", c.Days)
	}
	if detail == "" {
		return string(t.Type)
	}
	return fmt.Sprintf("%s: %s", t.Type, detail)
}

func conditionLabel(c *schema.Condition) string {
	engine := c.Engine
	if engine == "" {
		engine = "cel"
	}
	return fmt.Sprintf("%s: %s", engine, c.Expression)
}

func limitLabel(def schema.WorkflowDefinition) string {
	var parts []string
	if def.MaxExecutionsPerDay > 0 {
		parts = append(parts, fmt.Sprintf("max %d/day", def.MaxExecutionsPerDay))
	}
	if def.MaxExecutionsPerCandidate > 0 {
		parts = append(parts, fmt.Sprintf("max %d/candidate", def.MaxExecutionsPerCandidate))
	}
	return strings.Join(parts, ", ")
}

func scheduleLabel(s *schema.Schedule) string {
	days := "every day"
	if len(s.DaysOfWeek) > 0 {
		names := make([]string, len(s.DaysOfWeek))
		for i, d := range s.DaysOfWeek {
			names[i] = time.Weekday(d).String()[:3]
		}
		days = strings.Join(names, ",")
	}
	hours := "all hours"
	if len(s.Hours) > 0 {
		hours = "hours " + compactRange(s.Hours)
	}
	return days + " " + hours
}

// compactRange renders sorted ints with runs collapsed: 9,10,11,14 -> 9-11,14.
func compactRange(vals []int) string {
	var parts []string
	for i := 0; i < len(vals); {
		j := i
		for j+1 < len(vals) && vals[j+1] == vals[j]+1 {
			j++
		}
		if j > i {
			parts = append(parts, fmt.Sprintf("%d-%d", vals[i], vals[j]))
		} else {
			parts = append(parts, strconv.Itoa(vals[i]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

package diagram

// NodeKind classifies a diagram node by the pipeline stage it stands for.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindCondition NodeKind = "condition"
	NodeKindLimit     NodeKind = "limit"
	NodeKindSchedule  NodeKind = "schedule"
	NodeKindAction    NodeKind = "action"
	NodeKindEnd       NodeKind = "end"
	NodeKindExit      NodeKind = "exit" // skipped, limited or deferred
)

// DiagramModel is the intermediate representation used by all renderers.
// Path lists the main-line node IDs from trigger to end; exits hang off it.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
	Path  []string
}

// Node is one stage of a workflow rule.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the outcome of a stage in one execution.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge connects two nodes. Labelled edges leave the main path.
type Edge struct {
	From  string
	To    string
	Label string
}

// node returns the node with the given ID, or nil.
func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// exits returns the labelled edges leaving id.
func (m *DiagramModel) exits(id string) []Edge {
	var out []Edge
	for _, e := range m.Edges {
		if e.From == id && e.Label != "" {
			out = append(out, e)
		}
	}
	return out
}

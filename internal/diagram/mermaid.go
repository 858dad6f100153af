package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Label != "" {
			arrow = fmt.Sprintf("-.->|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidSafeID(edge.From), arrow, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef partial fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef dry_run fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef exit fill:#fff,stroke:#999,color:#666,stroke-dasharray:3 3\n")

	for _, node := range model.Nodes {
		if node.Kind == NodeKindExit {
			fmt.Fprintf(&b, "    class %s exit\n", mermaidSafeID(node.ID))
			continue
		}
		if node.Status != nil {
			if cls := mermaidStatusClass(node.Status.Status); cls != "" {
				fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
			}
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindTrigger:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindLimit, NodeKindSchedule:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindEnd, NodeKindExit:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // action
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel swaps double quotes, which %q would otherwise escape
// with a backslash Mermaid does not understand.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

func mermaidStatusClass(status string) string {
	switch status {
	case StatusCompleted, StatusFailed, StatusPartial, StatusRunning, StatusPending, StatusDryRun:
		return status
	default:
		return ""
	}
}

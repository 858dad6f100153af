package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusPartial:
		return "[PARTIAL]"
	case StatusRunning:
		return "[RUN]"
	case StatusPending:
		return "[PEND]"
	case StatusDryRun:
		return "[DRY]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes. Exits
// (skip, limit, deferral) are listed under the box they leave from.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for i, id := range model.Path {
		node := model.node(id)
		if node == nil {
			continue
		}
		renderBox(&b, makeBox(node))
		for _, e := range model.exits(id) {
			label := e.To
			if target := model.node(e.To); target != nil {
				label = target.Label
			}
			b.WriteString(fmt.Sprintf("  \u2514\u2500 %s \u2192 %s\n", e.Label, label))
		}
		if i < len(model.Path)-1 {
			renderConnector(&b)
		}
	}

	return b.String()
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
}

// makeBox creates an ASCII box for a node.
func makeBox(node *Node) asciiBox {
	contentLines := []string{firstLine(node.Label)}
	if node.Status != nil {
		tag := statusTag(node.Status.Status)
		if tag != "" {
			contentLines = append(contentLines, tag)
		}
		if node.Status.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
		if node.Status.Attempts > 1 {
			contentLines = append(contentLines, fmt.Sprintf("%d attempts", node.Status.Attempts))
		}
		if node.Status.Error != "" {
			contentLines = append(contentLines, truncate(node.Status.Error, 60))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	var lines []string
	top := "\u250c" + strings.Repeat("\u2500", width-2) + "\u2510"
	bot := "\u2514" + strings.Repeat("\u2500", width-2) + "\u2518"
	lines = append(lines, top)
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-len(content))
		lines = append(lines, "\u2502 "+padded+" \u2502")
	}
	lines = append(lines, bot)

	return asciiBox{lines: lines}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderBox(b *strings.Builder, box asciiBox) {
	for _, line := range box.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

// renderConnector draws the arrow between two main-path boxes.
func renderConnector(b *strings.Builder) {
	b.WriteString("   \u2502\n")
	b.WriteString("   \u25bc\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

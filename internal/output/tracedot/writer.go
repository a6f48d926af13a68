package tracedot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tracegraph/internal/logger"
	"tracegraph/pkg/models"
)

// Write renders one trace as a Graphviz DOT file named trace_<index>.dot
// under dir and returns the written path.
func Write(dir string, index int, trace *models.Trace) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("trace_%d.dot", index))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create dot file: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "digraph trace_%d {\n", index)
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [fontname=\"Helvetica\", fontsize=10];\n")
	b.WriteString("  edge [fontname=\"Helvetica\", fontsize=9];\n")

	for i, n := range trace.Nodes {
		fmt.Fprintf(&b, "  n%d [label=\"%s\", %s];\n", i, escape(nodeLabel(n)), nodeStyle(n))
	}
	for _, e := range trace.Edges {
		label := e.Action
		if e.Count > 1 {
			label = fmt.Sprintf("%s x%d", e.Action, e.Count)
		}
		style := ""
		if e.Egress {
			style = ", style=dashed"
		}
		fmt.Fprintf(&b, "  n%d -> n%d [label=\"%s\"%s];\n", e.From, e.To, escape(label), style)
	}
	b.WriteString("}\n")

	if _, err := f.WriteString(b.String()); err != nil {
		return "", fmt.Errorf("failed to write dot file: %w", err)
	}

	logger.Debugf("Trace graph written: %s", path)
	return path, nil
}

func nodeLabel(n models.Node) string {
	switch n.Key.Type {
	case models.NodeProcess:
		if n.Exe != "" {
			return fmt.Sprintf("%s\npid %s", n.Exe, n.Key.ID)
		}
		return fmt.Sprintf("pid %s", n.Key.ID)
	case models.NodeFile:
		if n.Path != "" {
			return n.Path
		}
		return fmt.Sprintf("inode %s", n.Key.ID)
	case models.NodeSocket:
		return n.Key.ID
	}
	return n.Key.ID
}

func nodeStyle(n models.Node) string {
	switch n.Key.Type {
	case models.NodeProcess:
		return "shape=ellipse, style=filled, fillcolor=\"#E1BEE7\""
	case models.NodeFile:
		return "shape=box, style=filled, fillcolor=\"#B3E5FC\""
	case models.NodeSocket:
		return "shape=diamond, style=filled, fillcolor=\"#FFE0B2\""
	}
	return "shape=plaintext"
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return strings.ReplaceAll(s, "\n", "\\n")
}

package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

// RenderMermaid renders a model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	writeMermaidNodes(&b, model.Nodes, "    ")

	for _, e := range model.Edges {
		label := ""
		if e.Label != "" {
			label = "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(e.From), label, mermaidSafeID(e.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef paused fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	model.Walk(func(n *Node) {
		if n.Status == nil {
			return
		}
		if cls := statusClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), cls)
		}
	})

	return b.String()
}

func writeMermaidNodes(b *strings.Builder, nodes []*Node, indent string) {
	for _, n := range nodes {
		fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(n))
		for _, sg := range n.Children {
			fmt.Fprintf(b, "%ssubgraph %s[%s]\n", indent,
				mermaidSafeID(n.ID+"_body"), mermaidLabel(n.Label+": "+sg.Label))
			writeMermaidNodes(b, sg.Nodes, indent+"    ")
			fmt.Fprintf(b, "%send\n", indent)
		}
	}
}

// mermaidNodeDef returns a node definition with a shape per kind.
func mermaidNodeDef(n *Node) string {
	id := mermaidSafeID(n.ID)
	text := n.Label
	if n.Detail != "" {
		text += "<br/>" + n.Detail
	}
	label := mermaidLabel(text)

	switch n.Kind {
	case NodeKindTrigger:
		return fmt.Sprintf("%s([%s])", id, label)
	case NodeKindBranch:
		return fmt.Sprintf("%s{%s}", id, label)
	case NodeKindLoop:
		return fmt.Sprintf("%s[[%s]]", id, label)
	case NodeKindCode:
		return fmt.Sprintf("%s[/%s/]", id, label)
	case NodeKindEnd:
		return fmt.Sprintf("%s((%s))", id, label)
	default:
		return fmt.Sprintf("%s[%s]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in identifiers.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidLabel(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, "#quot;") + `"`
}

func statusClass(status string) string {
	switch schema.StepStatus(status) {
	case schema.StepStatusSucceeded:
		return "succeeded"
	case schema.StepStatusFailed:
		return "failed"
	case schema.StepStatusRunning:
		return "running"
	case schema.StepStatusPaused:
		return "paused"
	default:
		return ""
	}
}

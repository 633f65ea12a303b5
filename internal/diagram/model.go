// Package diagram renders a flow version, optionally overlaid with a run's
// step statuses, as a Mermaid flowchart or a Graphviz image.
package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindTrigger NodeKind = "trigger"
	NodeKindCode    NodeKind = "code"
	NodeKindPiece   NodeKind = "piece"
	NodeKindBranch  NodeKind = "branch"
	NodeKindLoop    NodeKind = "loop"
	NodeKindEmpty   NodeKind = "empty"
	NodeKindEnd     NodeKind = "end"
)

// EndNodeID names the virtual node every finished path leads to.
const EndNodeID = "__end__"

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step of the flow.
type Node struct {
	ID       string
	Label    string
	Detail   string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // loop body
}

// SubGraph holds the steps nested under a loop.
type SubGraph struct {
	Label string
	Nodes []*Node
}

// StatusOverlay carries the recorded outcome of a step.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge is a control-flow link between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Walk visits every node, loop bodies included, in declaration order.
func (m *Model) Walk(fn func(*Node)) {
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			fn(n)
			for _, sg := range n.Children {
				walk(sg.Nodes)
			}
		}
	}
	walk(m.Nodes)
}

// Lookup finds a node by step name.
func (m *Model) Lookup(id string) (*Node, bool) {
	var found *Node
	m.Walk(func(n *Node) {
		if found == nil && n.ID == id {
			found = n
		}
	})
	return found, found != nil
}

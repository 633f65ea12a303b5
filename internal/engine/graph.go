package engine

import (
	"fmt"

	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/pkg/schema"
)

// NodeID addresses a step in a Graph arena.
type NodeID int

// NoNode marks an absent successor.
const NoNode NodeID = -1

// NodeKind is the step type of a node; the trigger has its own kind.
type NodeKind string

const KindTrigger NodeKind = "TRIGGER"

// Node is one step of a compiled flow. Successors are arena indexes so branch
// and loop bodies can rejoin a shared nextAction without owning it.
type Node struct {
	ID        NodeID
	Name      string
	Kind      NodeKind
	Action    *schema.Action
	Parent    NodeID
	Next      NodeID
	OnSuccess NodeID
	OnFailure NodeID
	FirstLoop NodeID
}

// Graph is the compiled, immutable form of a flow version.
type Graph struct {
	nodes   []Node
	byName  map[string]NodeID
	trigger NodeID
}

// reservedNames cannot be used as step names because mentions resolve them specially.
var reservedNames = map[string]bool{
	expressions.ConnectionsNamespace: true,
	"steps":                          true,
}

// successorRules lists which successor links each action type may set.
var successorRules = map[schema.ActionType]struct{ branch, loop bool }{
	schema.ActionTypeEmpty:       {},
	schema.ActionTypeCode:        {},
	schema.ActionTypePiece:       {},
	schema.ActionTypeBranch:      {branch: true},
	schema.ActionTypeLoopOnItems: {loop: true},
}

// CompileGraph flattens a flow tree into an arena. It rejects duplicate or
// reserved names, successor links the step type does not allow, unknown types
// and shared or cyclic subtrees. All failures are fatal engine errors.
func CompileGraph(fv *schema.FlowVersion) (*Graph, error) {
	if fv == nil {
		return nil, fatalf("flow version is nil")
	}
	if fv.Trigger.Name == "" {
		return nil, fatalf("trigger has no name")
	}

	g := &Graph{byName: make(map[string]NodeID)}
	c := &compiler{g: g, seen: make(map[*schema.Action]bool)}

	trig, err := c.add(Node{Name: fv.Trigger.Name, Kind: KindTrigger, Parent: NoNode})
	if err != nil {
		return nil, err
	}
	g.trigger = trig

	next, err := c.chain(fv.Trigger.NextAction, trig)
	if err != nil {
		return nil, err
	}
	g.nodes[trig].Next = next
	return g, nil
}

type compiler struct {
	g    *Graph
	seen map[*schema.Action]bool
}

func (c *compiler) add(n Node) (NodeID, error) {
	if reservedNames[n.Name] {
		return NoNode, fatalf("step name %q is reserved", n.Name)
	}
	if _, dup := c.g.byName[n.Name]; dup {
		return NoNode, fatalf("duplicate step name %q", n.Name)
	}
	n.ID = NodeID(len(c.g.nodes))
	n.Next, n.OnSuccess, n.OnFailure, n.FirstLoop = NoNode, NoNode, NoNode, NoNode
	c.g.nodes = append(c.g.nodes, n)
	c.g.byName[n.Name] = n.ID
	return n.ID, nil
}

// chain compiles a linear run of actions starting at a and returns its head.
func (c *compiler) chain(a *schema.Action, parent NodeID) (NodeID, error) {
	head, prev := NoNode, NoNode
	for ; a != nil; a = a.NextAction {
		id, err := c.action(a, parent)
		if err != nil {
			return NoNode, err
		}
		if prev == NoNode {
			head = id
		} else {
			c.g.nodes[prev].Next = id
		}
		prev = id
	}
	return head, nil
}

func (c *compiler) action(a *schema.Action, parent NodeID) (NodeID, error) {
	if c.seen[a] {
		return NoNode, fatalf("step %q is reachable twice; the flow graph must be a tree", a.Name)
	}
	c.seen[a] = true

	if a.Name == "" {
		return NoNode, fatalf("action under %q has no name", c.g.nodes[parent].Name)
	}
	rule, ok := successorRules[a.Type]
	if !ok {
		return NoNode, fatalf("step %q has unknown type %q", a.Name, a.Type).WithStep(a.Name)
	}
	if !rule.branch && (a.OnSuccessAction != nil || a.OnFailureAction != nil) {
		return NoNode, fatalf("step %q of type %s cannot have branch successors", a.Name, a.Type).WithStep(a.Name)
	}
	if !rule.loop && a.FirstLoopAction != nil {
		return NoNode, fatalf("step %q of type %s cannot have a loop body", a.Name, a.Type).WithStep(a.Name)
	}

	id, err := c.add(Node{Name: a.Name, Kind: NodeKind(a.Type), Action: a, Parent: parent})
	if err != nil {
		return NoNode, err
	}

	// chain grows the arena, so successors are stored only after it returns.
	if rule.branch {
		onSuccess, err := c.chain(a.OnSuccessAction, id)
		if err != nil {
			return NoNode, err
		}
		onFailure, err := c.chain(a.OnFailureAction, id)
		if err != nil {
			return NoNode, err
		}
		c.g.nodes[id].OnSuccess = onSuccess
		c.g.nodes[id].OnFailure = onFailure
	}
	if rule.loop {
		body, err := c.chain(a.FirstLoopAction, id)
		if err != nil {
			return NoNode, err
		}
		c.g.nodes[id].FirstLoop = body
	}
	return id, nil
}

// Trigger returns the root node.
func (g *Graph) Trigger() *Node { return &g.nodes[g.trigger] }

// Node returns the node at id.
func (g *Graph) Node(id NodeID) *Node { return &g.nodes[id] }

// Lookup returns the node named name.
func (g *Graph) Lookup(name string) (*Node, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return &g.nodes[id], true
}

// Len returns the number of steps, trigger included.
func (g *Graph) Len() int { return len(g.nodes) }

// Names returns step names in pre-order: each step before its branch arms,
// loop body and successor.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		names = append(names, n.Name)
	}
	return names
}

// InLoop reports whether id sits inside a loop body.
func (g *Graph) InLoop(id NodeID) bool {
	for p := g.nodes[id].Parent; p != NoNode; p = g.nodes[p].Parent {
		if g.nodes[p].Kind == NodeKind(schema.ActionTypeLoopOnItems) {
			return true
		}
	}
	return false
}

func fatalf(format string, args ...any) *schema.FlowError {
	return schema.NewError(schema.ErrCodeFatal, fmt.Sprintf(format, args...))
}

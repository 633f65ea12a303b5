package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

// pending is an outgoing edge whose target is the next node emitted.
type pending struct {
	from  string
	label string
}

type builder struct {
	g     *engine.Graph
	model *Model
}

// Build converts a flow version into a diagram model. When steps is non-nil
// each node carries the status recorded for it; loop body nodes show the
// outcome of the last iteration.
func Build(fv *schema.FlowVersion, steps execution.Steps) (*Model, error) {
	if fv == nil {
		return nil, fmt.Errorf("diagram: nil flow version")
	}
	g, err := engine.CompileGraph(fv)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	title := fv.DisplayName
	if title == "" {
		title = fv.FlowID
	}
	b := &builder{g: g, model: &Model{Title: title}}

	trig := g.Trigger()
	root := &Node{
		ID:     trig.Name,
		Label:  labelOr(fv.Trigger.DisplayName, trig.Name),
		Detail: string(fv.Trigger.Type),
		Kind:   NodeKindTrigger,
		Status: overlay(steps, trig.Name),
	}
	b.model.Nodes = append(b.model.Nodes, root)

	exits := b.chain(trig.Next, &b.model.Nodes, steps, []pending{{from: root.ID}})

	b.model.Nodes = append(b.model.Nodes, &Node{ID: EndNodeID, Label: "End", Kind: NodeKindEnd})
	b.connect(exits, EndNodeID)

	return b.model, nil
}

// chain emits a linear run of steps starting at id into nodes and returns the
// edges still waiting for a target once the run ends.
func (b *builder) chain(id engine.NodeID, nodes *[]*Node, scope execution.Steps, preds []pending) []pending {
	for ; id != engine.NoNode; id = b.g.Node(id).Next {
		gn := b.g.Node(id)
		n := &Node{
			ID:     gn.Name,
			Label:  labelOr(gn.Action.DisplayName, gn.Name),
			Detail: detail(gn.Action),
			Kind:   kindOf(gn.Action.Type),
			Status: overlay(scope, gn.Name),
		}
		*nodes = append(*nodes, n)
		b.connect(preds, n.ID)

		switch gn.Action.Type {
		case schema.ActionTypeBranch:
			preds = append(
				b.arm(gn.OnSuccess, nodes, scope, pending{from: n.ID, label: "true"}),
				b.arm(gn.OnFailure, nodes, scope, pending{from: n.ID, label: "false"})...,
			)
		case schema.ActionTypeLoopOnItems:
			sg := &SubGraph{Label: "for each item"}
			n.Children = append(n.Children, sg)
			body := b.chain(gn.FirstLoop, &sg.Nodes, lastIteration(scope, gn.Name), []pending{{from: n.ID, label: "item"}})
			b.connect(body, n.ID)
			preds = []pending{{from: n.ID, label: "done"}}
		default:
			preds = []pending{{from: n.ID}}
		}
	}
	return preds
}

// arm emits one branch arm. An empty arm passes its edge straight through.
func (b *builder) arm(head engine.NodeID, nodes *[]*Node, scope execution.Steps, edge pending) []pending {
	if head == engine.NoNode {
		return []pending{edge}
	}
	return b.chain(head, nodes, scope, []pending{edge})
}

func (b *builder) connect(preds []pending, to string) {
	for _, p := range preds {
		b.model.Edges = append(b.model.Edges, Edge{From: p.from, To: to, Label: p.label})
	}
}

func kindOf(t schema.ActionType) NodeKind {
	switch t {
	case schema.ActionTypeCode:
		return NodeKindCode
	case schema.ActionTypePiece:
		return NodeKindPiece
	case schema.ActionTypeBranch:
		return NodeKindBranch
	case schema.ActionTypeLoopOnItems:
		return NodeKindLoop
	default:
		return NodeKindEmpty
	}
}

// detail is the second label line: what the step runs or tests.
func detail(a *schema.Action) string {
	s := a.Settings
	switch a.Type {
	case schema.ActionTypePiece:
		return s.PieceName + "." + s.ActionName
	case schema.ActionTypeCode:
		if s.SourceCode != nil && s.SourceCode.Language != "" {
			return s.SourceCode.Language
		}
		return "code"
	case schema.ActionTypeBranch:
		if len(s.Conditions) == 0 {
			return s.Expression
		}
		groups := make([]string, len(s.Conditions))
		for i, group := range s.Conditions {
			ops := make([]string, len(group))
			for j, c := range group {
				ops[j] = string(c.Operator)
			}
			groups[i] = strings.Join(ops, " AND ")
		}
		return strings.Join(groups, " OR ")
	case schema.ActionTypeLoopOnItems:
		return s.Items
	}
	return ""
}

func overlay(steps execution.Steps, name string) *StatusOverlay {
	out, ok := steps.Get(name)
	if !ok {
		return nil
	}
	return &StatusOverlay{
		Status:     string(out.Status),
		DurationMs: out.Duration,
		Attempts:   out.Attempts,
		Error:      out.ErrorMessage,
	}
}

func lastIteration(steps execution.Steps, loop string) execution.Steps {
	out, ok := steps.Get(loop)
	if !ok {
		return nil
	}
	lo, ok := execution.DecodeLoopOutput(out.Output)
	if !ok || len(lo.Iterations) == 0 {
		return nil
	}
	return lo.Iterations[len(lo.Iterations)-1]
}

func labelOr(label, fallback string) string {
	if label != "" {
		return label
	}
	return fallback
}

package validation

import (
	"fmt"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/pkg/schema"
)

// validateGraph compiles the flow tree and checks that every {{mention}} names
// a step that can have run before the step that uses it. Compilation failures
// are errors; ordering problems are warnings because a dangling mention
// resolves to nil at run time instead of failing.
func validateGraph(fv *schema.FlowVersion) (*engine.Graph, *schema.ValidationResult) {
	result := &schema.ValidationResult{}

	g, err := engine.CompileGraph(fv)
	if err != nil {
		var step string
		if fe, ok := err.(*schema.FlowError); ok {
			step = fe.StepName
		}
		result.AddStepError("trigger", step, schema.ErrCodeValidation, errMessage(err))
		return nil, result
	}

	// Pre-order position: a step can only see steps that precede it.
	order := make(map[string]int, g.Len())
	for i, name := range g.Names() {
		order[name] = i
	}

	walkActions(fv.Trigger.NextAction, "trigger.nextAction", func(a *schema.Action, path string) {
		for _, ref := range actionMentions(a) {
			checkMention(g, order, a.Name, path+ref.path, ref.root, result)
		}
	})
	return g, result
}

func checkMention(g *engine.Graph, order map[string]int, step, path, root string, result *schema.ValidationResult) {
	if root == expressions.ConnectionsNamespace {
		return
	}
	pos, ok := order[root]
	if !ok {
		result.AddStepWarning(path, step, schema.ErrCodeResolution,
			fmt.Sprintf("references unknown step %q", root))
		return
	}
	if root == step {
		result.AddStepWarning(path, step, schema.ErrCodeResolution,
			fmt.Sprintf("step %q references its own output", step))
		return
	}
	if pos > order[step] {
		result.AddStepWarning(path, step, schema.ErrCodeResolution,
			fmt.Sprintf("references step %q which does not run before %q", root, step))
		return
	}
	if ref, _ := g.Lookup(root); g.InLoop(ref.ID) && !sharesLoop(g, root, step) {
		result.AddStepWarning(path, step, schema.ErrCodeResolution,
			fmt.Sprintf("references step %q inside a loop body; read it through the loop's iterations", root))
	}
}

// sharesLoop reports whether step sits in the same loop body as root.
func sharesLoop(g *engine.Graph, root, step string) bool {
	r, _ := g.Lookup(root)
	loops := make(map[engine.NodeID]bool)
	for p := r.Parent; p != engine.NoNode; p = g.Node(p).Parent {
		if g.Node(p).Kind == engine.NodeKind(schema.ActionTypeLoopOnItems) {
			loops[p] = true
		}
	}
	s, _ := g.Lookup(step)
	for p := s.ID; p != engine.NoNode; p = g.Node(p).Parent {
		if loops[p] {
			return true
		}
	}
	return false
}

type mentionRef struct {
	path string
	root string
}

// actionMentions lists the mention roots found in an action's settings.
func actionMentions(a *schema.Action) []mentionRef {
	var refs []mentionRef
	collect := func(path string, v any) {
		walkStrings(v, func(s string) {
			for _, root := range expressions.MentionRoots(s) {
				refs = append(refs, mentionRef{path: path, root: root})
			}
		})
	}
	s := a.Settings
	collect(".settings.input", s.Input)
	collect(".settings.items", s.Items)
	collect(".settings.expression", s.Expression)
	for i, group := range s.Conditions {
		for j, c := range group {
			p := fmt.Sprintf(".settings.conditions[%d][%d]", i, j)
			collect(p+".firstValue", c.FirstValue)
			collect(p+".secondValue", c.SecondValue)
		}
	}
	return refs
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}

// walkActions visits every action below a, with its document path.
func walkActions(a *schema.Action, path string, fn func(*schema.Action, string)) {
	for ; a != nil; a, path = a.NextAction, path+".nextAction" {
		fn(a, path)
		walkActions(a.OnSuccessAction, path+".onSuccessAction", fn)
		walkActions(a.OnFailureAction, path+".onFailureAction", fn)
		walkActions(a.FirstLoopAction, path+".firstLoopAction", fn)
	}
}

func errMessage(err error) string {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe.Message
	}
	return err.Error()
}

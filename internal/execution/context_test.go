package execution

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func succeeded(v any) StepOutput {
	return NewStepOutput("CODE", nil).WithOutput(v)
}

func TestExecutionContext_MutatorsDoNotTouchReceiver(t *testing.T) {
	base := New()
	next := base.UpsertStep("a", succeeded(1)).IncreaseTask()

	assert.Empty(t, base.Steps())
	assert.Equal(t, 0, base.TaskCount())
	assert.Equal(t, []string{"a"}, next.Steps().Names())
	assert.Equal(t, 1, next.TaskCount())

	failed := next.SetVerdict(schema.VerdictFailed, nil)
	assert.Equal(t, schema.VerdictRunning, next.Verdict())
	assert.Equal(t, schema.VerdictFailed, failed.Verdict())
}

func TestExecutionContext_InsertionOrder(t *testing.T) {
	ec := New()
	for _, name := range []string{"trigger", "step_1", "step_2", "step_3"} {
		ec = ec.UpsertStep(name, succeeded(name))
	}
	assert.Equal(t, []string{"trigger", "step_1", "step_2", "step_3"}, ec.Steps().Names())
}

func TestExecutionContext_ForkKeepsSnapshotsIndependent(t *testing.T) {
	root := New().UpsertStep("a", succeeded(1))

	left := root.UpsertStep("left", succeeded("l"))
	right := root.UpsertStep("right", succeeded("r"))

	assert.Equal(t, []string{"a", "left"}, left.Steps().Names())
	assert.Equal(t, []string{"a", "right"}, right.Steps().Names())
	assert.Equal(t, []string{"a"}, root.Steps().Names())
}

func TestExecutionContext_UpsertOverwritesInPlace(t *testing.T) {
	ec := New().
		UpsertStep("a", succeeded(1)).
		UpsertStep("b", succeeded(2))
	retried := ec.UpsertStep("a", succeeded(10))

	require.Equal(t, []string{"a", "b"}, retried.Steps().Names())
	out, ok := retried.StepOutput("a")
	require.True(t, ok)
	assert.Equal(t, 10, out.Output)

	old, _ := ec.StepOutput("a")
	assert.Equal(t, 1, old.Output)
}

func TestExecutionContext_TerminalVerdictFreezesNewSteps(t *testing.T) {
	ec := New().
		UpsertStep("a", succeeded(1)).
		SetVerdict(schema.VerdictFailed, nil)

	frozen := ec.UpsertStep("b", succeeded(2))
	assert.Equal(t, []string{"a"}, frozen.Steps().Names())

	corrected := ec.UpsertStep("a", succeeded(1).WithError("boom"))
	out, _ := corrected.StepOutput("a")
	assert.Equal(t, schema.StepStatusFailed, out.Status)
	assert.Equal(t, "boom", out.ErrorMessage)
}

func TestExecutionContext_IsCompleted(t *testing.T) {
	ec := New().
		UpsertStep("done", succeeded(1)).
		UpsertStep("broken", succeeded(nil).WithError("x")).
		UpsertStep("waiting", succeeded(nil).WithStatus(schema.StepStatusPaused))

	assert.True(t, ec.IsCompleted("done"))
	assert.True(t, ec.IsCompleted("broken"))
	assert.False(t, ec.IsCompleted("waiting"))
	assert.False(t, ec.IsCompleted("missing"))
}

func TestExecutionContext_IterationScope(t *testing.T) {
	parent := New().
		UpsertStep("trigger", succeeded(map[string]any{"n": 5})).
		UpsertStep("x", succeeded("outer"))

	child := parent.NewIteration(nil).
		UpsertStep("x", succeeded("inner")).
		IncreaseTask()

	inner, ok := child.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "inner", inner.Output)

	trig, ok := child.Lookup("trigger")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"n": 5}, trig.Output)
	assert.False(t, child.IsCompleted("trigger"), "parent steps are not part of the iteration map")

	outer, _ := parent.StepOutput("x")
	assert.Equal(t, "outer", outer.Output)

	scope := child.MentionScope()
	assert.Equal(t, "inner", scope["x"])

	merged := parent.AbsorbTasks(child)
	assert.Equal(t, 1, merged.TaskCount())
}

func TestLoopOutput_MentionValueExposesIterations(t *testing.T) {
	it0 := Steps{{Name: "x", Output: succeeded(1)}}
	it1 := Steps{{Name: "x", Output: succeeded(2)}}
	lo := LoopOutput{Item: "b", Index: 2}.WithIteration(0, it0).WithIteration(1, it1)

	out := NewStepOutput(string(schema.ActionTypeLoopOnItems), nil).WithOutput(lo)
	mv, ok := out.MentionValue().(map[string]any)
	require.True(t, ok)
	iters := mv["iterations"].([]any)
	require.Len(t, iters, 2)
	assert.Equal(t, 2, iters[1].(map[string]any)["x"].(map[string]any)["output"])
}

func TestSteps_JSONKeepsOrderAndLoopOutputDecodes(t *testing.T) {
	lo := LoopOutput{Item: "a", Index: 1}.WithIteration(0, Steps{{Name: "x", Output: succeeded("v")}})
	steps := Steps{
		{Name: "zeta", Output: succeeded(1)},
		{Name: "alpha", Output: NewStepOutput("LOOP_ON_ITEMS", nil).WithOutput(lo)},
	}

	raw, err := json.Marshal(steps)
	require.NoError(t, err)
	assert.Less(t, strings.Index(string(raw), "zeta"), strings.Index(string(raw), "alpha"))

	var back Steps
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []string{"zeta", "alpha"}, back.Names())

	loopOut, _ := back.Get("alpha")
	decoded, ok := DecodeLoopOutput(loopOut.Output)
	require.True(t, ok)
	assert.Equal(t, 1, decoded.Index)
	require.Len(t, decoded.Iterations, 1)
	x, ok := decoded.Iterations[0].Get("x")
	require.True(t, ok)
	assert.Equal(t, "v", x.Output)
}

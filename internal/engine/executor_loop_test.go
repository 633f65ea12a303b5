package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

func timesTen(p map[string]any) (any, error) {
	return p["item"].(float64) * 10, nil
}

func loopOutput(t *testing.T, steps execution.Steps, name string) (execution.StepOutput, execution.LoopOutput) {
	t.Helper()
	out, ok := steps.Get(name)
	require.True(t, ok, "loop %s not recorded", name)
	lo, ok := execution.DecodeLoopOutput(out.Output)
	require.True(t, ok)
	return out, lo
}

func TestLoop_IterationsAreIsolated(t *testing.T) {
	h := newHarness(t)
	h.code.on("x", timesTen)
	var second any
	h.code.on("after", func(p map[string]any) (any, error) {
		second = p["second"]
		return nil, nil
	})
	fv := flowOf(chain(
		loopStep("loop", "{{trigger.items}}", codeStep("x", map[string]any{"item": "{{loop.item}}"})),
		codeStep("after", map[string]any{"second": "{{loop.iterations[1].x.output}}"}),
	))
	// A top-level entry named x from an earlier pass must stay untouched.
	prior := execution.Steps{
		{Name: "x", Output: execution.NewStepOutput("CODE", nil).WithOutput("top-level")},
	}

	res := h.runWith(t, RunRequest{
		Flow:           fv,
		TriggerPayload: map[string]any{"items": []any{1, 2}},
		Steps:          prior,
		Constants:      DefaultConstants(),
	})

	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	out, lo := loopOutput(t, res.Steps, "loop")
	assert.Equal(t, schema.StepStatusSucceeded, out.Status)
	require.Len(t, lo.Iterations, 2)

	x0, ok := lo.Iterations[0].Get("x")
	require.True(t, ok)
	assert.Equal(t, float64(10), x0.Output)
	x1, ok := lo.Iterations[1].Get("x")
	require.True(t, ok)
	assert.Equal(t, float64(20), x1.Output)

	top, ok := res.Steps.Get("x")
	require.True(t, ok)
	assert.Equal(t, "top-level", top.Output)

	assert.Equal(t, float64(20), second)
	assert.Equal(t, 2, lo.Index)
	assert.Equal(t, float64(2), lo.Item)
	assert.Equal(t, 3, res.Tasks)
}

func TestLoop_NonListFails(t *testing.T) {
	h := newHarness(t)
	fv := flowOf(loopStep("loop", "{{trigger.items}}", codeStep("x", nil)))

	res := h.run(t, fv, map[string]any{"items": "not a list"})

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	out, _ := res.Steps.Get("loop")
	assert.Equal(t, "The items you have selected must be a list.", out.ErrorMessage)
	assert.Zero(t, h.code.count("x"))
}

func TestLoop_EmptyList(t *testing.T) {
	h := newHarness(t)
	fv := flowOf(chain(loopStep("loop", "{{trigger.items}}", codeStep("x", nil)), codeStep("after", nil)))

	res := h.run(t, fv, map[string]any{"items": []any{}})

	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	_, lo := loopOutput(t, res.Steps, "loop")
	assert.Empty(t, lo.Iterations)
	assert.Equal(t, 1, h.code.count("after"))
}

func TestLoop_FailedIterationStopsLoop(t *testing.T) {
	h := newHarness(t)
	h.code.on("x", func(p map[string]any) (any, error) {
		if p["item"].(float64) == 2 {
			return nil, assert.AnError
		}
		return p["item"], nil
	})
	fv := flowOf(chain(
		loopStep("loop", "{{trigger.items}}", codeStep("x", map[string]any{"item": "{{loop.item}}"})),
		codeStep("after", nil),
	))

	res := h.run(t, fv, map[string]any{"items": []any{1, 2, 3}})

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	out, lo := loopOutput(t, res.Steps, "loop")
	assert.Equal(t, "iteration 2 failed", out.ErrorMessage)
	assert.Len(t, lo.Iterations, 2)
	assert.Equal(t, 2, h.code.count("x"))
	assert.Zero(t, h.code.count("after"))
}

func TestLoop_ContinueOnFailureRunsAllItems(t *testing.T) {
	h := newHarness(t)
	h.code.on("x", func(p map[string]any) (any, error) {
		if p["item"].(float64) != 2 {
			return nil, assert.AnError
		}
		return p["item"], nil
	})
	loop := withErrorHandling(
		loopStep("loop", "{{trigger.items}}", codeStep("x", map[string]any{"item": "{{loop.item}}"})),
		false, true)
	fv := flowOf(chain(loop, codeStep("after", nil)))

	res := h.run(t, fv, map[string]any{"items": []any{1, 2, 3}})

	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	out, lo := loopOutput(t, res.Steps, "loop")
	assert.Equal(t, schema.StepStatusFailed, out.Status)
	assert.Equal(t, "2 of 3 iterations failed", out.ErrorMessage)
	assert.Len(t, lo.Iterations, 3)
	assert.Equal(t, 1, h.code.count("after"))
}

func TestLoop_EmitsIterationEvents(t *testing.T) {
	h := newHarness(t)
	fv := flowOf(loopStep("loop", "{{trigger.items}}", codeStep("x", nil)))

	h.run(t, fv, map[string]any{"items": []any{"a", "b"}})

	assert.Equal(t, []string{
		schema.EventStepStarted,
		schema.EventLoopIterStarted, schema.EventLoopIterCompleted,
		schema.EventLoopIterStarted, schema.EventLoopIterCompleted,
		schema.EventStepSucceeded,
	}, h.events.types("loop"))
}

func TestLoop_NestedLoops(t *testing.T) {
	h := newHarness(t)
	var seen []any
	h.code.on("cell", func(p map[string]any) (any, error) {
		seen = append(seen, p["v"])
		return p["v"], nil
	})
	inner := loopStep("inner", "{{outer.item}}", codeStep("cell", map[string]any{"v": "{{inner.item}}"}))
	fv := flowOf(loopStep("outer", "{{trigger.rows}}", inner))

	res := h.run(t, fv, map[string]any{"rows": []any{[]any{1, 2}, []any{3}}})

	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, seen)
	_, outer := loopOutput(t, res.Steps, "outer")
	require.Len(t, outer.Iterations, 2)
	_, inner0 := loopOutput(t, outer.Iterations[0], "inner")
	assert.Len(t, inner0.Iterations, 2)
}

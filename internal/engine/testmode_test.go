package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

func testConstants(step string) EngineConstants {
	c := DefaultConstants()
	c.StepNameToTest = step
	return c
}

func TestTestMode_RunsOnlyNamedStep(t *testing.T) {
	h := newHarness(t)
	h.code.on("s2", func(p map[string]any) (any, error) { return p["from_s1"], nil })
	fv := flowOf(chain(codeStep("s1", nil), codeStep("s2", map[string]any{"from_s1": "{{s1.v}}"}), codeStep("s3", nil)))
	prior := execution.Steps{
		{Name: "trigger", Output: execution.NewStepOutput("WEBHOOK", nil)},
		{Name: "s1", Output: execution.NewStepOutput("CODE", nil).WithOutput(map[string]any{"v": "earlier"})},
		{Name: "s2", Output: execution.NewStepOutput("CODE", nil).WithOutput("stale")},
	}

	res := h.runWith(t, RunRequest{Flow: fv, Steps: prior, Constants: testConstants("s2")})

	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	assert.Zero(t, h.code.count("s1"))
	assert.Equal(t, 1, h.code.count("s2"))
	assert.Zero(t, h.code.count("s3"))
	out, _ := res.Steps.Get("s2")
	assert.Equal(t, "earlier", out.Output)
}

func TestTestMode_NoRetryNoContinuation(t *testing.T) {
	h := newHarness(t)
	h.code.on("s1", alwaysFail("nope"))
	fv := flowOf(withErrorHandling(codeStep("s1", nil), true, true))

	res := h.runWith(t, RunRequest{Flow: fv, Constants: testConstants("s1")})

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, 1, h.code.count("s1"))
	assert.Empty(t, h.delays)
}

func TestTestMode_BranchEvaluatesConditionOnly(t *testing.T) {
	h := newHarness(t)
	fv := flowOf(branchStep("check", greaterThan("{{trigger.n}}", 1), codeStep("yes", nil), codeStep("no", nil)))

	res := h.runWith(t, RunRequest{Flow: fv, TriggerPayload: map[string]any{"n": 2}, Constants: testConstants("check")})

	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	out, _ := res.Steps.Get("check")
	assert.Equal(t, map[string]any{"condition": true}, out.Output)
	assert.Zero(t, h.code.count("yes"))
}

func TestTestMode_LoopTakesFirstItem(t *testing.T) {
	h := newHarness(t)
	fv := flowOf(loopStep("loop", "{{trigger.items}}", codeStep("x", nil)))

	res := h.runWith(t, RunRequest{Flow: fv, TriggerPayload: map[string]any{"items": []any{"a", "b"}}, Constants: testConstants("loop")})

	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	out, lo := loopOutput(t, res.Steps, "loop")
	assert.Equal(t, schema.StepStatusSucceeded, out.Status)
	assert.Equal(t, "a", lo.Item)
	assert.Equal(t, 1, lo.Index)
	assert.Empty(t, lo.Iterations)
	assert.Zero(t, h.code.count("x"))
}

func TestTestMode_UnknownStep(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Run(t.Context(), RunRequest{Flow: flowOf(codeStep("s1", nil)), Constants: testConstants("ghost")})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

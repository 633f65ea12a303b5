package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

func TestRenderMermaid_Linear(t *testing.T) {
	m, err := Build(linearFlow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% demo")
	assert.Contains(t, out, `trigger(["trigger<br/>WEBHOOK"])`)
	assert.Contains(t, out, `a["a<br/>core.log"]`)
	assert.Contains(t, out, "a --> b")
	assert.Contains(t, out, "b --> __end__")
	assert.NotContains(t, out, "class a ")
}

func TestRenderMermaid_BranchAndLoop(t *testing.T) {
	m, err := Build(branchFlow(), nil)
	require.NoError(t, err)
	out := RenderMermaid(m)
	assert.Contains(t, out, `check{"check<br/>NUMBER_IS_GREATER_THAN"}`)
	assert.Contains(t, out, "check -->|true| big")
	assert.Contains(t, out, "check -->|false| after")

	m, err = Build(loopFlow(), nil)
	require.NoError(t, err)
	out = RenderMermaid(m)
	assert.Contains(t, out, `subgraph each_body["each: for each item"]`)
	assert.Contains(t, out, "        inner[")
	assert.Contains(t, out, "each -->|done| after")
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	steps := execution.Steps{
		{Name: "trigger", Output: execution.StepOutput{Status: schema.StepStatusSucceeded}},
		{Name: "a", Output: execution.StepOutput{Status: schema.StepStatusFailed}},
	}
	m, err := Build(linearFlow(), steps)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "class trigger succeeded")
	assert.Contains(t, out, "class a failed")
	assert.NotContains(t, out, "class b ")
}

func TestMermaidLabel_EscapesQuotes(t *testing.T) {
	assert.Equal(t, `"steps.x == #quot;a#quot;"`, mermaidLabel(`steps.x == "a"`))
	assert.Equal(t, "my_step_1", mermaidSafeID("my-step.1"))
}

package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// decode unmarshals the JSON text content of a tool result.
func decode(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "expected text content")
	require.False(t, res.IsError, text.Text)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func errorText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, res.IsError)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return text.Text
}

// approvalFlow pauses at an approval step and then logs the decision.
func approvalFlow() map[string]any {
	return map[string]any{
		"flowId": "approvals",
		"trigger": map[string]any{
			"name": "trigger",
			"type": "WEBHOOK",
			"nextAction": map[string]any{
				"name": "approve",
				"type": "PIECE",
				"settings": map[string]any{
					"pieceName":  "core",
					"actionName": "approval",
					"input":      map[string]any{"message": "ship {{trigger.version}}?"},
				},
				"nextAction": map[string]any{
					"name": "announce",
					"type": "PIECE",
					"settings": map[string]any{
						"pieceName":  "core",
						"actionName": "log",
						"input":      map[string]any{"message": "{{approve.approved}}"},
					},
				},
			},
		},
	}
}

func define(t *testing.T, s *FlowServer, def map[string]any) string {
	t.Helper()
	res, err := s.handleDefine(context.Background(), buildRequest("flow.define", map[string]any{"definition": def}))
	require.NoError(t, err)
	out := decode(t, res)
	require.Equal(t, true, out["ok"], "%v", out)
	return out["flow_version_id"].(string)
}

// --- Tests ---

func TestDefineTool_StoresFlow(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleDefine(context.Background(), buildRequest("flow.define", map[string]any{"definition": approvalFlow()}))
	require.NoError(t, err)

	out := decode(t, res)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "approvals", out["flow_id"])
	assert.NotEmpty(t, out["flow_version_id"])
}

func TestDefineTool_RejectsInvalidFlow(t *testing.T) {
	s := newTestServer(t)
	def := approvalFlow()
	def["trigger"].(map[string]any)["nextAction"].(map[string]any)["settings"].(map[string]any)["actionName"] = "teleport"

	res, err := s.handleDefine(context.Background(), buildRequest("flow.define", map[string]any{"definition": def}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, false, out["ok"])
	validation := out["validation"].(map[string]any)
	errs := validation["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, "PIECE_UNAVAILABLE", errs[0].(map[string]any)["code"])
}

func TestDefineTool_MissingDefinition(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleDefine(context.Background(), buildRequest("flow.define", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "definition is required", errorText(t, res))
}

func TestValidateTool(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleValidate(context.Background(), buildRequest("flow.validate", map[string]any{"definition": approvalFlow()}))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["valid"])

	bad := map[string]any{"trigger": map[string]any{"name": "t", "type": "CRON"}}
	res, err = s.handleValidate(context.Background(), buildRequest("flow.validate", map[string]any{"definition": bad}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, false, out["valid"])
	assert.NotEmpty(t, out["errors"])
}

func TestRunTool_PauseAndResume(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	fvID := define(t, s, approvalFlow())

	res, err := s.handleRun(ctx, buildRequest("flow.run", map[string]any{
		"flow_version_id": fvID,
		"payload":         map[string]any{"version": "1.2.0"},
		"client_id":       "agent-1",
	}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, "PAUSED", out["status"])
	runID := out["runId"].(string)
	meta := out["pauseMetadata"].(map[string]any)
	assert.Equal(t, "ship 1.2.0?", meta["message"])

	watcher, ok := s.sessions.WatcherOf(runID)
	assert.True(t, ok)
	assert.Equal(t, "agent-1", watcher)

	res, err = s.handleResume(ctx, buildRequest("run.resume", map[string]any{
		"run_id":  runID,
		"payload": map[string]any{"approved": true},
	}))
	require.NoError(t, err)
	out = decode(t, res)
	assert.Equal(t, "SUCCEEDED", out["status"])
	steps := out["steps"].(map[string]any)
	announce := steps["announce"].(map[string]any)
	assert.Equal(t, "SUCCEEDED", announce["status"])

	_, ok = s.sessions.WatcherOf(runID)
	assert.False(t, ok, "finished runs are no longer watched")
}

func TestRunTool_UnknownFlowVersion(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleRun(context.Background(), buildRequest("flow.run", map[string]any{"flow_version_id": "nope"}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "run failed")
}

func TestRunTool_MissingFlowVersion(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleRun(context.Background(), buildRequest("flow.run", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "flow_version_id is required", errorText(t, res))
}

func TestGetTool_WithTimeline(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	fvID := define(t, s, approvalFlow())
	res, err := s.handleRun(ctx, buildRequest("flow.run", map[string]any{"flow_version_id": fvID}))
	require.NoError(t, err)
	runID := decode(t, res)["runId"].(string)

	res, err = s.handleGet(ctx, buildRequest("run.get", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	assert.Equal(t, "PAUSED", decode(t, res)["status"])

	res, err = s.handleGet(ctx, buildRequest("run.get", map[string]any{"run_id": runID, "timeline": true}))
	require.NoError(t, err)
	out := decode(t, res)
	timeline := out["timeline"].(map[string]any)
	assert.Contains(t, timeline, "approve")
}

func TestRetryTool_RejectsPausedRun(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	fvID := define(t, s, approvalFlow())
	res, err := s.handleRun(ctx, buildRequest("flow.run", map[string]any{"flow_version_id": fvID}))
	require.NoError(t, err)
	runID := decode(t, res)["runId"].(string)

	res, err = s.handleRetry(ctx, buildRequest("run.retry", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "only failed runs can be retried")
}

func TestTestStepTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	fvID := define(t, s, approvalFlow())

	res, err := s.handleTestStep(ctx, buildRequest("flow.test_step", map[string]any{
		"flow_version_id": fvID,
		"step_name":       "announce",
		"payload":         map[string]any{"version": "2"},
	}))
	require.NoError(t, err)
	out := decode(t, res)
	steps := out["steps"].(map[string]any)
	assert.Contains(t, steps, "announce")
	assert.NotContains(t, steps, "approve")

	res, err = s.handleQuery(ctx, buildRequest("run.query", map[string]any{"resource": "runs"}))
	require.NoError(t, err)
	assert.Empty(t, decode(t, res)["runs"], "test runs are not recorded")
}

func TestQueryTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	fvID := define(t, s, approvalFlow())
	res, err := s.handleRun(ctx, buildRequest("flow.run", map[string]any{"flow_version_id": fvID}))
	require.NoError(t, err)
	runID := decode(t, res)["runId"].(string)

	t.Run("runs by status", func(t *testing.T) {
		res, err := s.handleQuery(ctx, buildRequest("run.query", map[string]any{
			"resource": "runs",
			"filter":   map[string]any{"status": "PAUSED"},
		}))
		require.NoError(t, err)
		assert.Len(t, decode(t, res)["runs"], 1)
	})

	t.Run("events by run", func(t *testing.T) {
		res, err := s.handleQuery(ctx, buildRequest("run.query", map[string]any{
			"resource": "events",
			"filter":   map[string]any{"run_id": runID},
		}))
		require.NoError(t, err)
		events := decode(t, res)["events"].([]any)
		require.NotEmpty(t, events)
		assert.Equal(t, "run_started", events[0].(map[string]any)["event_type"])
	})

	t.Run("events need a filter", func(t *testing.T) {
		res, err := s.handleQuery(ctx, buildRequest("run.query", map[string]any{"resource": "events"}))
		require.NoError(t, err)
		assert.Contains(t, errorText(t, res), "requires")
	})

	t.Run("flows", func(t *testing.T) {
		res, err := s.handleQuery(ctx, buildRequest("run.query", map[string]any{
			"resource": "flows",
			"filter":   map[string]any{"flow_id": "approvals"},
		}))
		require.NoError(t, err)
		assert.Len(t, decode(t, res)["flow_versions"], 1)
	})

	t.Run("pieces", func(t *testing.T) {
		res, err := s.handleQuery(ctx, buildRequest("run.query", map[string]any{"resource": "pieces"}))
		require.NoError(t, err)
		assert.Len(t, decode(t, res)["pieces"], 8)
	})

	t.Run("unknown resource", func(t *testing.T) {
		res, err := s.handleQuery(ctx, buildRequest("run.query", map[string]any{"resource": "agents"}))
		require.NoError(t, err)
		assert.Contains(t, errorText(t, res), "unknown resource type")
	})
}

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 4, extractInt(f, "b", 0))
	assert.Equal(t, 5, extractInt(f, "c", 0))
	assert.Equal(t, 9, extractInt(f, "d", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}

func TestDiagramTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	fvID := define(t, s, approvalFlow())

	res, err := s.handleDiagram(ctx, buildRequest("flow.diagram", map[string]any{"flow_version_id": fvID}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, "approve --> announce")
	assert.NotContains(t, text.Text, "class approve")

	res, err = s.handleRun(ctx, buildRequest("flow.run", map[string]any{"flow_version_id": fvID}))
	require.NoError(t, err)
	runID := decode(t, res)["runId"].(string)

	res, err = s.handleDiagram(ctx, buildRequest("flow.diagram", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	text, ok = mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, "class approve paused")

	res, err = s.handleDiagram(ctx, buildRequest("flow.diagram", map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "exactly one of")

	res, err = s.handleDiagram(ctx, buildRequest("flow.diagram", map[string]any{"flow_version_id": fvID, "format": "gif"}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "format must be")
}

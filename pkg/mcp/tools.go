package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowengine/internal/diagram"
	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// handleDefine validates a flow document and stores it as a new flow version.
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fv, raw, errResult := decodeDefinition(req)
	if errResult != nil {
		return errResult, nil
	}

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		result := s.validator.ValidateDocument(raw, fv)
		if !result.Valid() {
			return marshalResult(map[string]any{"ok": false, "validation": result})
		}
		warnings = result.Warnings
	}

	rec, err := s.service.SaveFlow(ctx, fv)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store flow: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":              true,
		"flow_version_id": rec.ID,
		"flow_id":         rec.FlowID,
		"warnings":        warnings,
	})
}

// handleValidate runs the validation pipeline without storing anything.
func (s *FlowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fv, raw, errResult := decodeDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	if s.validator == nil {
		return mcp.NewToolResultError("validation is not configured"), nil
	}
	result := s.validator.ValidateDocument(raw, fv)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleRun starts a run of a stored flow version and waits for its verdict.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fvID, err := req.RequireString("flow_version_id")
	if err != nil {
		return mcp.NewToolResultError("flow_version_id is required"), nil
	}
	clientID := req.GetString("client_id", "")
	if clientID != "" {
		s.captureSession(ctx, clientID)
	}

	res, err := s.service.Start(ctx, fvID, argument(req, "payload"), s.constants)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	if clientID != "" && !res.Status.IsFinal() {
		s.sessions.Watch(res.RunID, clientID)
	}
	return marshalResult(res)
}

// handleTestStep executes one step in test mode.
func (s *FlowServer) handleTestStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fvID, err := req.RequireString("flow_version_id")
	if err != nil {
		return mcp.NewToolResultError("flow_version_id is required"), nil
	}
	stepName, err := req.RequireString("step_name")
	if err != nil {
		return mcp.NewToolResultError("step_name is required"), nil
	}

	res, err := s.service.TestStep(ctx, fvID, stepName, req.GetString("from_run_id", ""), argument(req, "payload"), s.constants)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step test failed: %v", err)), nil
	}
	return marshalResult(res)
}

// handleDiagram renders a flow version or a run as a diagram.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	fvID := req.GetString("flow_version_id", "")
	if (runID == "") == (fvID == "") {
		return mcp.NewToolResultError("exactly one of run_id or flow_version_id is required"), nil
	}

	var (
		fv    *schema.FlowVersion
		steps execution.Steps
	)
	if runID != "" {
		var err error
		if fv, steps, err = s.service.RunTrace(ctx, runID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
	} else {
		rec, err := s.service.FlowVersion(ctx, fvID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("flow version lookup failed: %v", err)), nil
		}
		fv = &rec.Definition
	}

	model, err := diagram.Build(fv, steps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg", "png":
		img, err := diagram.RenderImage(ctx, model, diagram.Format(format))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		if format == "svg" {
			return mcp.NewToolResultText(string(img)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(img)), nil
	default:
		return mcp.NewToolResultError("format must be mermaid, svg or png"), nil
	}
}

// handleGet returns a run record, optionally with its step timelines.
func (s *FlowServer) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.service.Get(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
	}
	if !req.GetBool("timeline", false) {
		return marshalResult(run)
	}
	timeline, err := s.service.Timeline(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("timeline replay failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"run": run, "timeline": timeline})
}

// handleResume continues a paused run with the given resume payload.
func (s *FlowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	res, err := s.service.Resume(ctx, runID, argument(req, "payload"), s.constants)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return marshalResult(res)
}

// handleRetry re-runs a failed run from its failed step.
func (s *FlowServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	res, err := s.service.RetryFromFailed(ctx, runID, s.constants)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retry failed: %v", err)), nil
	}
	return marshalResult(res)
}

// handleQuery lists runs, events, flow versions or pieces.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "flows":
		return s.queryFlows(ctx, filter)
	case "pieces":
		if s.pieces == nil {
			return marshalResult(map[string]any{"pieces": []any{}})
		}
		return marshalResult(map[string]any{"pieces": s.pieces.List()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *FlowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.RunStatus(status)
		rf.Status = &st
	}
	if flowID, ok := filter["flow_id"].(string); ok {
		rf.FlowID = flowID
	}
	if fvID, ok := filter["flow_version_id"].(string); ok {
		rf.FlowVersionID = fvID
	}
	rf.Since = extractTime(filter, "since")

	runs, err := s.service.List(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *FlowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
		Since: extractTime(filter, "since"),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if stepName, ok := filter["step_name"].(string); ok {
		ef.StepName = stepName
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.service.EventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.service.Events(ctx, ef.RunID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *FlowServer) queryFlows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	flowID, _ := filter["flow_id"].(string)
	if flowID == "" {
		return mcp.NewToolResultError("flow query requires 'flow_id' in filter"), nil
	}
	versions, err := s.service.FlowVersions(ctx, flowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"flow_versions": versions})
}

// --- Internal helpers ---

// decodeDefinition reads the "definition" argument as a flow version and
// also returns its JSON form for schema validation.
func decodeDefinition(req mcp.CallToolRequest) (*schema.FlowVersion, []byte, *mcp.CallToolResult) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, nil, mcp.NewToolResultError("definition is required")
	}
	raw, err := json.Marshal(defRaw)
	if err != nil {
		return nil, nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	var fv schema.FlowVersion
	if err := json.Unmarshal(raw, &fv); err != nil {
		return nil, nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return &fv, raw, nil
}

// argument returns a raw tool argument, or nil when absent.
func argument(req mcp.CallToolRequest, key string) any {
	return req.GetArguments()[key]
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractTime(filter map[string]any, key string) *time.Time {
	v, ok := filter[key].(string)
	if !ok || v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

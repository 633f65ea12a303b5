package pieces

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/pkg/schema"
)

// CorePiece is the name of the piece bundled with the engine.
const CorePiece = "core"

// CoreVersion is reported for the bundled piece.
const CoreVersion = "0.1.0"

// RegisterCore installs the bundled pieces: core (jq, http_request, approval,
// stop, log) and crypto (hash, hmac, uuid).
func RegisterCore(reg *Registry, httpCfg HTTPConfig) error {
	err := reg.Register(CorePiece, CoreVersion,
		&jqAction{engine: expressions.NewGoJQEngine()},
		NewHTTPRequestAction(httpCfg),
		&approvalAction{},
		&stopAction{},
		&logAction{},
	)
	if err != nil {
		return err
	}
	return reg.Register(CryptoPiece, CoreVersion, cryptoActions()...)
}

// --- jq ---

type jqAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqAction) Name() string { return "jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Transform data with a jq program. Entries of variables are bound as $name.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "data": {},
    "variables": {"type": "object", "propertyNames": {"pattern": "^[A-Za-z_][A-Za-z0-9_]*$"}}
  },
  "required": ["query"]
}`),
	}
}

func (a *jqAction) Run(ctx context.Context, rc *RunContext) (any, error) {
	vars, _ := rc.Props["variables"].(map[string]any)
	return a.engine.Query(ctx, stringParam(rc.Props, "query", ""), rc.Props["data"], vars)
}

// --- approval ---

// approvalAction pauses the run until it is resumed with a payload. The
// payload's "approved" field decides the outcome.
type approvalAction struct{}

func (a *approvalAction) Name() string { return "approval" }

func (a *approvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Pause the run until someone approves or rejects it.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"message": {"type": "string"}, "approvers": {"type": "array", "items": {"type": "string"}}}
}`),
	}
}

func (a *approvalAction) Run(_ context.Context, rc *RunContext) (any, error) {
	if rc.ExecutionType != ExecutionResume {
		meta := map[string]any{
			"type":    "WEBHOOK",
			"message": stringParam(rc.Props, "message", "approval required"),
		}
		if rc.Server.URL != "" && rc.RunID != "" {
			meta["resumeUrl"] = strings.TrimRight(rc.Server.URL, "/") + "/v1/runs/" + rc.RunID + "/resume"
		}
		if approvers, ok := rc.Props["approvers"]; ok {
			meta["approvers"] = approvers
		}
		rc.Pause(meta)
		return nil, nil
	}

	payload, _ := rc.ResumePayload.(map[string]any)
	approved := boolParam(payload, "approved", false)
	return map[string]any{
		"approved": approved,
		"payload":  rc.ResumePayload,
	}, nil
}

// --- stop ---

type stopAction struct{}

func (a *stopAction) Name() string { return "stop" }

func (a *stopAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "End the run successfully and return a response.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {"body": {}, "status": {"type": "integer"}}}`),
	}
}

func (a *stopAction) Run(_ context.Context, rc *RunContext) (any, error) {
	response := map[string]any{
		"status": intParam(rc.Props, "status", 200),
		"body":   rc.Props["body"],
	}
	rc.Stop(response)
	return response, nil
}

// --- log ---

type logAction struct{}

func (a *logAction) Name() string { return "log" }

func (a *logAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write a message to the engine log and pass it through.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"message": {}, "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}}
}`),
	}
}

func (a *logAction) Run(ctx context.Context, rc *RunContext) (any, error) {
	msg := rc.Props["message"]
	level := slog.LevelInfo
	switch stringParam(rc.Props, "level", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "info":
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown log level %q", rc.Props["level"])
	}
	rc.logger().Log(ctx, level, "flow log", "step", rc.StepName, "message", msg)
	return map[string]any{"message": msg}, nil
}

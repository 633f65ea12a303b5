// Package mcp exposes the flow engine as MCP tools so agents can define,
// validate, run and resume flows.
package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/pieces"
	"github.com/rendis/flowengine/internal/validation"
	"github.com/rendis/flowengine/pkg/schema"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Service   *engine.Service
	Validator *validation.FlowValidator
	Pieces    *pieces.Registry
	// Constants are the engine settings every run started through MCP uses.
	Constants engine.EngineConstants
	Version   string
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with the flow tool handlers.
type FlowServer struct {
	service   *engine.Service
	validator *validation.FlowValidator
	pieces    *pieces.Registry
	constants engine.EngineConstants
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ClientNotifier
	mcpServer *server.MCPServer
}

// finalStatuses are the run statuses pushed to watching clients.
var finalStatuses = []schema.RunStatus{
	schema.RunStatusSucceeded,
	schema.RunStatusFailed,
	schema.RunStatusPaused,
	schema.RunStatusStopped,
	schema.RunStatusTimeout,
	schema.RunStatusInternalError,
}

// NewFlowServer creates a FlowServer with every tool registered. When a
// Service is given, status changes of runs started with a client_id are
// pushed to that client's session.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &FlowServer{
		service:   deps.Service,
		validator: deps.Validator,
		pieces:    deps.Pieces,
		constants: deps.Constants,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"flowengine",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("flowengine runs workflow automation flows. Use flow.define to store a flow version, flow.validate to check one, flow.run to execute it, run.resume to continue a paused run, run.retry to re-run a failed run from its failed step, run.get or run.query to inspect runs, events and pieces, and flow.diagram to draw a flow or a run."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)

	if s.service != nil {
		for _, to := range finalStatuses {
			s.service.FSM().OnAfter(schema.RunStatusRunning, to, s.notifyTransition)
		}
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the SSE transport on addr until ctx is cancelled.
// baseURL is the externally visible URL clients post messages to.
func (s *FlowServer) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(addr) }()
	s.logger.InfoContext(ctx, "mcp sse server listening", "addr", addr, "base_url", baseURL)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return sse.Shutdown(context.WithoutCancel(ctx))
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// notifyTransition pushes a run's new status to the client that started it.
// Delivery is best-effort and never fails the transition.
func (s *FlowServer) notifyTransition(runID string, from, to schema.RunStatus) error {
	clientID, ok := s.sessions.WatcherOf(runID)
	if !ok {
		return nil
	}
	if to.IsFinal() {
		s.sessions.Unwatch(runID)
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "flowengine",
		"data": map[string]any{
			"run_id": runID,
			"from":   string(from),
			"status": string(to),
		},
	}
	if err := s.notifier.Notify(context.Background(), clientID, payload); err != nil {
		s.logger.Warn("run notification failed", "run_id", runID, "client_id", clientID, "error", err)
	}
	return nil
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: testStepTool(), Handler: s.handleTestStep},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Validate and store a flow version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow version document (trigger with nested actions)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flow.validate",
		mcp.WithDescription("Check a flow version without storing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow version document (trigger with nested actions)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Run a stored flow version"),
		mcp.WithString("flow_version_id", mcp.Required(), mcp.Description("ID returned by flow.define")),
		mcp.WithObject("payload", mcp.Description("Trigger payload, visible to steps as {{trigger}}")),
		mcp.WithString("client_id", mcp.Description("Caller ID; later status changes of the run are pushed to this client")),
	)
}

func testStepTool() mcp.Tool {
	return mcp.NewTool("flow.test_step",
		mcp.WithDescription("Execute a single step of a flow version without recording a run"),
		mcp.WithString("flow_version_id", mcp.Required(), mcp.Description("Flow version containing the step")),
		mcp.WithString("step_name", mcp.Required(), mcp.Description("Name of the step to execute")),
		mcp.WithString("from_run_id", mcp.Description("Run whose step outputs are visible to the step's mentions")),
		mcp.WithObject("payload", mcp.Description("Trigger payload")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("run.get",
		mcp.WithDescription("Get a run with its step outputs"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithBoolean("timeline", mcp.Description("Include per-step lifecycles rebuilt from the event log")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("run.resume",
		mcp.WithDescription("Resume a paused run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the paused run")),
		mcp.WithObject("payload", mcp.Description("Resume payload delivered to the paused step")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("run.retry",
		mcp.WithDescription("Re-run a failed run from its failed step"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of a FAILED, TIMEOUT or INTERNAL_ERROR run")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Draw a flow version, or the flow of a run colored by step status. Returns Mermaid text, SVG markup or a base64 PNG"),
		mcp.WithString("flow_version_id", mcp.Description("Flow version to draw")),
		mcp.WithString("run_id", mcp.Description("Run to draw with its step statuses")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "svg", "png"),
			mcp.Description("Output format (default mermaid)"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("run.query",
		mcp.WithDescription("Query runs, events, flow versions or pieces"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "flows", "pieces"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, flow_id, flow_version_id, run_id, event_type, since, limit)")),
	)
}

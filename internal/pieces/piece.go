// Package pieces holds the actions PIECE steps invoke. A piece groups related
// actions under one name; a step addresses an action as (pieceName, actionName).
package pieces

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
)

// Action is one operation a PIECE step can run.
type Action interface {
	Name() string
	Schema() ActionSchema
	Run(ctx context.Context, rc *RunContext) (any, error)
}

// ActionSchema describes an action's props.
type ActionSchema struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// SecretProps are masked in the recorded step input.
	SecretProps []string `json:"secret_props,omitempty"`
}

// AuthProp is the step input key carrying the action's connection.
// It is handed to the action as RunContext.Auth and always masked.
const AuthProp = "auth"

// ExecutionType tells an action whether it is starting or being resumed after a pause.
type ExecutionType string

const (
	ExecutionBegin  ExecutionType = "BEGIN"
	ExecutionResume ExecutionType = "RESUME"
)

// ServerInfo lets actions build callback URLs back into the engine host.
type ServerInfo struct {
	URL   string `json:"url"`
	Token string `json:"-"`
}

// PauseRequest is recorded when an action asks the run to pause.
type PauseRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StopRequest is recorded when an action ends the run early with a response.
type StopRequest struct {
	Response any `json:"response,omitempty"`
}

// RunContext is built fresh for every attempt of a PIECE step.
type RunContext struct {
	FlowID        string
	RunID         string
	StepName      string
	Props         map[string]any
	Auth          any
	Server        ServerInfo
	ExecutionType ExecutionType
	ResumePayload any
	TestMode      bool
	Logger        *slog.Logger

	pause *PauseRequest
	stop  *StopRequest
}

// Pause asks the engine to suspend the run after this step returns.
func (rc *RunContext) Pause(metadata map[string]any) {
	rc.pause = &PauseRequest{Metadata: metadata}
}

// Stop asks the engine to finish the run successfully after this step returns.
func (rc *RunContext) Stop(response any) {
	rc.stop = &StopRequest{Response: response}
}

func (rc *RunContext) PauseRequest() *PauseRequest { return rc.pause }

func (rc *RunContext) StopRequest() *StopRequest { return rc.stop }

func (rc *RunContext) logger() *slog.Logger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ActionInfo summarizes a registered action for listings.
type ActionInfo struct {
	Piece       string `json:"piece"`
	Action      string `json:"action"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

package engine

import (
	"time"

	"github.com/rendis/flowengine/internal/pieces"
)

// Retry defaults: attempt n waits RetryExponential^n × RetryInterval before attempt n+1.
const (
	DefaultMaxAttempts      = 4
	DefaultRetryExponential = 2
	DefaultRetryInterval    = 2 * time.Second
)

// EngineConstants are the run-scoped settings a flow run executes under.
type EngineConstants struct {
	FlowID        string
	FlowVersionID string
	RunID         string

	// BaseCodeDirectory holds one directory per CODE step, named after the step.
	BaseCodeDirectory string

	// Server is handed to piece actions for callback URLs.
	Server pieces.ServerInfo

	// StepNameToTest runs only the named step, with retry and continuation disabled.
	StepNameToTest string

	// ResumePayload is delivered to the paused step when a run is resumed.
	ResumePayload any

	MaxAttempts      int
	RetryExponential int
	RetryInterval    time.Duration

	// StepTimeout bounds a single PIECE action call. Code modules are bounded by their runner.
	StepTimeout time.Duration

	// RunTimeout bounds the whole run; zero means no limit.
	RunTimeout time.Duration
}

// DefaultConstants returns constants with the default retry policy.
func DefaultConstants() EngineConstants {
	return EngineConstants{
		MaxAttempts:      DefaultMaxAttempts,
		RetryExponential: DefaultRetryExponential,
		RetryInterval:    DefaultRetryInterval,
	}
}

// TestMode reports whether the run executes a single step for testing.
func (c EngineConstants) TestMode() bool {
	return c.StepNameToTest != ""
}

func (c EngineConstants) withDefaults() EngineConstants {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryExponential <= 0 {
		c.RetryExponential = DefaultRetryExponential
	}
	if c.RetryInterval < 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	return c
}

package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// FlowVersionRecord is a persisted, immutable version of a flow definition.
type FlowVersionRecord struct {
	ID          string             `json:"id"`
	FlowID      string             `json:"flow_id"`
	DisplayName string             `json:"display_name,omitempty"`
	Definition  schema.FlowVersion `json:"definition"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Run is the persisted trace of one flow execution.
// Steps holds the ordered step-output object exactly as the engine produced it.
type Run struct {
	ID            string           `json:"id"`
	FlowID        string           `json:"flow_id,omitempty"`
	FlowVersionID string           `json:"flow_version_id"`
	Status        schema.RunStatus `json:"status"`
	Steps         json.RawMessage  `json:"steps,omitempty"`
	Tasks         int              `json:"tasks"`
	DurationMs    int64            `json:"duration_ms"`
	PauseMetadata json.RawMessage  `json:"pause_metadata,omitempty"`
	StopResponse  json.RawMessage  `json:"stop_response,omitempty"`
	Error         json.RawMessage  `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// RunUpdate holds the fields to change on a run. Nil fields are left alone.
type RunUpdate struct {
	Status        *schema.RunStatus
	Steps         json.RawMessage
	Tasks         *int
	DurationMs    *int64
	PauseMetadata json.RawMessage
	StopResponse  json.RawMessage
	Error         json.RawMessage
	FinishedAt    *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	FlowID        string
	FlowVersionID string
	Status        *schema.RunStatus
	Since         *time.Time
	Limit         int
	Offset        int
}

// Event is an immutable entry in a run's event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepName  string          `json:"step_name,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	RunID    string
	StepName string
	Since    *time.Time
	Limit    int
}

// StepTimeline is a step's lifecycle rebuilt from the event log.
type StepTimeline struct {
	RunID      string            `json:"run_id"`
	StepName   string            `json:"step_name"`
	Status     schema.StepStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	Skipped    bool              `json:"skipped,omitempty"`
	Continued  bool              `json:"continued,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Error      json.RawMessage   `json:"error,omitempty"`
}

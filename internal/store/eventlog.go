package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// Emit marshals payload and appends it as an event of the given type.
func (el *EventLog) Emit(ctx context.Context, runID, stepName, eventType string, payload any) error {
	e := &Event{RunID: runID, StepName: stepName, Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		e.Payload = raw
	}
	return el.store.AppendEvent(ctx, e)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents rebuilds per-step timelines from the run's event log.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepTimeline, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	timelines := make(map[string]*StepTimeline)
	for _, e := range events {
		if e.StepName == "" {
			continue
		}

		tl, ok := timelines[e.StepName]
		if !ok {
			tl = &StepTimeline{RunID: runID, StepName: e.StepName}
			timelines[e.StepName] = tl
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			tl.Status = schema.StepStatusRunning
			tl.Attempts++
			if tl.StartedAt == nil {
				tl.StartedAt = &ts
			}

		case schema.EventStepRetrying:
			tl.Status = schema.StepStatusRunning

		case schema.EventStepSucceeded:
			tl.Status = schema.StepStatusSucceeded
			tl.finish(ts)

		case schema.EventStepFailed:
			tl.Status = schema.StepStatusFailed
			tl.Error = e.Payload
			tl.finish(ts)

		case schema.EventStepPaused:
			tl.Status = schema.StepStatusPaused

		case schema.EventStepContinued:
			tl.Continued = true

		case schema.EventStepSkipped:
			tl.Skipped = true
		}
	}

	return timelines, nil
}

func (tl *StepTimeline) finish(ts time.Time) {
	tl.FinishedAt = &ts
	if tl.StartedAt != nil {
		tl.DurationMs = ts.Sub(*tl.StartedAt).Milliseconds()
	}
}

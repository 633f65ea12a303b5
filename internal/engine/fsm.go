package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// TransitionHook is called before or after a run status transition.
type TransitionHook func(runID string, from, to schema.RunStatus) error

// EventAppender is satisfied by the Store and EventLog; used to emit run and step events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions and emits the matching run_* event.
// The caller persists the new status.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition and its event.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Started emits run_started for a freshly created run.
func (f *RunFSM) Started(ctx context.Context, runID string, payload any) error {
	return f.append(ctx, runID, schema.EventRunStarted, payload)
}

// Transition validates and executes a run status transition. Rewriting the
// current status is accepted and emits nothing.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !store.CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	if from == to {
		return nil
	}

	key := runHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(runID, from, to); err != nil {
			return err
		}
	}

	if eventType := runEventType(from, to); eventType != "" {
		if err := f.append(ctx, runID, eventType, payload); err != nil {
			return err
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(runID, from, to); err != nil {
			return err
		}
	}
	return nil
}

func (f *RunFSM) append(ctx context.Context, runID, eventType string, payload any) error {
	if f.appender == nil {
		return nil
	}
	event := &store.Event{RunID: runID, Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "encode run event payload").WithCause(err)
		}
		event.Payload = raw
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusPaused {
			return schema.EventRunResumed
		}
		return schema.EventRunRetried
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusStopped:
		return schema.EventRunStopped
	case schema.RunStatusTimeout:
		return schema.EventRunTimedOut
	case schema.RunStatusInternalError:
		return schema.EventRunInternal
	default:
		return ""
	}
}

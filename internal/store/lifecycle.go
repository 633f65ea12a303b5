package store

import "github.com/rendis/flowengine/pkg/schema"

// ValidRunTransitions lists the status changes a persisted run may make.
// PAUSED runs go back to RUNNING on resume; failed runs go back to RUNNING
// when retried from the failed step.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusSucceeded,
		schema.RunStatusFailed,
		schema.RunStatusPaused,
		schema.RunStatusStopped,
		schema.RunStatusTimeout,
		schema.RunStatusInternalError,
	},
	schema.RunStatusPaused:        {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusFailed:        {schema.RunStatusRunning},
	schema.RunStatusTimeout:       {schema.RunStatusRunning},
	schema.RunStatusInternalError: {schema.RunStatusRunning},
}

// CanTransition reports whether a run may move from one status to another.
// Writing the current status again is always allowed.
func CanTransition(from, to schema.RunStatus) bool {
	if from == to {
		return true
	}
	for _, s := range ValidRunTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

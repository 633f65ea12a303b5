package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunResumed   = "run_resumed"
	EventRunRetried   = "run_retried"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunPaused    = "run_paused"
	EventRunStopped   = "run_stopped"
	EventRunTimedOut  = "run_timed_out"
	EventRunInternal  = "run_internal_error"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepPaused    = "step_paused"
	EventStepRetrying  = "step_retrying"
	EventStepContinued = "step_continued"
	EventStepSkipped   = "step_skipped"

	EventBranchEvaluated   = "branch_evaluated"
	EventLoopIterStarted   = "loop_iter_started"
	EventLoopIterCompleted = "loop_iter_completed"

	EventCircuitBreakerOpen = "circuit_breaker_open"
)

// StepStatus is the status recorded on a single step output.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusPaused    StepStatus = "PAUSED"
)

// IsTerminal reports whether a step with this status will not run again.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed
}

// Verdict is the run-wide execution state carried by the execution context.
type Verdict string

const (
	VerdictRunning   Verdict = "RUNNING"
	VerdictSucceeded Verdict = "SUCCEEDED"
	VerdictFailed    Verdict = "FAILED"
	VerdictPaused    Verdict = "PAUSED"
)

// RunStatus is the persisted outcome of a flow run.
type RunStatus string

const (
	RunStatusRunning       RunStatus = "RUNNING"
	RunStatusSucceeded     RunStatus = "SUCCEEDED"
	RunStatusFailed        RunStatus = "FAILED"
	RunStatusPaused        RunStatus = "PAUSED"
	RunStatusStopped       RunStatus = "STOPPED"
	RunStatusTimeout       RunStatus = "TIMEOUT"
	RunStatusInternalError RunStatus = "INTERNAL_ERROR"
)

// IsFinal reports whether a run in this status can no longer be resumed.
func (s RunStatus) IsFinal() bool {
	switch s {
	case RunStatusRunning, RunStatusPaused:
		return false
	}
	return true
}

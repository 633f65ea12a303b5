package engine

import (
	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

// ContinueIfFailureHandler lets the run go past a failed step whose action
// sets continueOnFailure. The step output keeps its FAILED status; only the
// verdict goes back to RUNNING. Single-step test runs never continue.
func ContinueIfFailureHandler(ec execution.ExecutionContext, action *schema.Action, c EngineConstants) execution.ExecutionContext {
	if ec.Verdict() == schema.VerdictFailed &&
		action.Settings.ErrorHandlingOptions.ContinueOnFailure &&
		!c.TestMode() {
		return ec.SetVerdict(schema.VerdictRunning, nil).IncreaseTask()
	}
	return ec
}

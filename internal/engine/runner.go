package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/schema"
)

// RunRequest describes one pass over a flow. Steps and Tasks carry the state
// persisted by an earlier pass when a run is resumed or retried.
type RunRequest struct {
	RunID          string
	Flow           *schema.FlowVersion
	TriggerPayload any
	Steps          execution.Steps
	Tasks          int
	Constants      EngineConstants
}

// RunResult is the outcome of one pass.
type RunResult struct {
	RunID         string            `json:"runId"`
	Status        schema.RunStatus  `json:"status"`
	Steps         execution.Steps   `json:"steps"`
	DurationMs    int64             `json:"duration"`
	Tasks         int               `json:"tasks"`
	PauseMetadata any               `json:"pauseMetadata,omitempty"`
	StopResponse  any               `json:"stopResponse,omitempty"`
	Error         *schema.FlowError `json:"error,omitempty"`
}

// Run executes the flow from its trigger until the verdict leaves RUNNING or
// the chain ends. Step failures are reported through the result; the returned
// error is reserved for malformed requests.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Flow == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow is nil")
	}
	c := req.Constants.withDefaults()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	c.RunID = req.RunID
	if c.FlowID == "" {
		c.FlowID = req.Flow.FlowID
	}
	if c.FlowVersionID == "" {
		c.FlowVersionID = req.Flow.ID
	}

	ctx = logging.WithRun(ctx, c.RunID, c.FlowID)
	start := e.now()
	result := &RunResult{RunID: c.RunID}

	graph, err := CompileGraph(req.Flow)
	if err != nil {
		return e.internalError(ctx, result, req, err, e.now().Sub(start)), nil
	}

	runCtx := ctx
	if c.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.RunTimeout)
		defer cancel()
	}

	r := &flowRun{e: e, graph: graph, c: c}
	trigger := graph.Trigger()
	steps := req.Steps
	var target *Node
	if c.TestMode() {
		node, ok := graph.Lookup(c.StepNameToTest)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found in flow", c.StepNameToTest)
		}
		target = node
		steps = slices.DeleteFunc(slices.Clone(steps), func(en execution.Entry) bool {
			return en.Name == node.Name && node.Kind != KindTrigger
		})
	}

	ec := execution.FromSteps(steps, req.Tasks)
	if _, ok := ec.StepOutput(trigger.Name); !ok {
		out := execution.NewStepOutput(string(req.Flow.Trigger.Type), nil).WithOutput(normalizeOutput(req.TriggerPayload))
		ec = ec.UpsertStep(trigger.Name, out)
	}

	e.logger.InfoContext(ctx, "run started", "test_step", c.StepNameToTest)
	switch {
	case target != nil && target.Kind == KindTrigger:
	case target != nil:
		ec, err = r.executeNode(runCtx, target, ec)
	default:
		ec, err = r.dispatch(runCtx, trigger.Next, ec)
	}
	if err != nil {
		return e.internalError(ctx, result, req, err, e.now().Sub(start)), nil
	}

	result.Steps = ec.Steps()
	result.Tasks = ec.TaskCount()
	result.DurationMs = e.now().Sub(start).Milliseconds()
	e.finish(ctx, runCtx, c, ec, result)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "run finished",
		"status", result.Status, "tasks", result.Tasks, "duration_ms", result.DurationMs)
	return result, nil
}

// finish maps the final verdict to a run status.
func (e *Engine) finish(ctx, runCtx context.Context, c EngineConstants, ec execution.ExecutionContext, result *RunResult) {
	switch ec.Verdict() {
	case schema.VerdictPaused:
		result.Status = schema.RunStatusPaused
		result.PauseMetadata = ec.VerdictPayload()
	case schema.VerdictSucceeded:
		result.Status = schema.RunStatusSucceeded
		if resp := ec.VerdictPayload(); resp != nil {
			result.Status = schema.RunStatusStopped
			result.StopResponse = resp
		}
	case schema.VerdictFailed:
		switch {
		case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
			result.Status = schema.RunStatusFailed
			result.Error = schema.NewError(schema.ErrCodeCancelled, "run was cancelled")
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			result.Status = schema.RunStatusTimeout
			result.Error = schema.NewErrorf(schema.ErrCodeTimeout, "Execution timed out after %s", c.RunTimeout)
		default:
			result.Status = schema.RunStatusFailed
			result.Error = failedStepError(result.Steps)
		}
	default:
		result.Status = schema.RunStatusSucceeded
	}
}

func (e *Engine) internalError(ctx context.Context, result *RunResult, req RunRequest, err error, elapsed time.Duration) *RunResult {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		fe = schema.NewError(schema.ErrCodeFatal, err.Error()).WithCause(err)
	}
	logging.LogWith(ctx, e.logger).ErrorContext(ctx, "run aborted", "error", err)
	result.Status = schema.RunStatusInternalError
	result.Error = fe
	result.Steps = req.Steps
	result.Tasks = req.Tasks
	result.DurationMs = elapsed.Milliseconds()
	return result
}

// failedStepError reports the last failed step of the top-level scope.
func failedStepError(steps execution.Steps) *schema.FlowError {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Output.Status == schema.StepStatusFailed {
			return schema.NewError(schema.ErrCodeExecution, steps[i].Output.ErrorMessage).WithStep(steps[i].Name)
		}
	}
	return schema.NewError(schema.ErrCodeExecution, "run failed")
}

package engine

import (
	"context"
	"errors"
	"slices"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/pieces"
	"github.com/rendis/flowengine/pkg/schema"
)

// executePiece runs a PIECE step. The action may pause the run (the step is
// recorded PAUSED and re-entered with ExecutionType RESUME later) or stop it
// early with a response.
func (r *flowRun) executePiece(ctx context.Context, node *Node, ec execution.ExecutionContext) execution.ExecutionContext {
	if r.skipCompleted(ctx, node, ec) {
		return ec
	}
	result := r.withRetry(ctx, ec, node, func(ctx context.Context, ec execution.ExecutionContext) execution.ExecutionContext {
		return r.runPiece(ctx, node, ec)
	})
	return r.continueIfFailure(ctx, result, node)
}

func (r *flowRun) runPiece(ctx context.Context, node *Node, ec execution.ExecutionContext) execution.ExecutionContext {
	start := r.e.now()
	r.emit(ctx, node.Name, schema.EventStepStarted, nil)
	settings := node.Action.Settings
	out := execution.NewStepOutput(string(schema.ActionTypePiece), nil)

	if r.e.pieces == nil {
		return r.fail(ctx, ec, node, out, start,
			schema.NewError(schema.ErrCodePieceUnavailable, "no piece registry configured"))
	}
	action, err := r.e.pieces.Get(settings.PieceName, settings.ActionName)
	if err != nil {
		return r.fail(ctx, ec, node, out, start, err)
	}
	spec := action.Schema()

	secret := append(slices.Clone(spec.SecretProps), pieces.AuthProp)
	res, err := r.resolve(ctx, settings.Input, ec, secret)
	if err != nil {
		return r.fail(ctx, ec, node, out, start, err)
	}
	out = execution.NewStepOutput(string(schema.ActionTypePiece), res.Censored)

	props := res.ResolvedMap()
	auth := props[pieces.AuthProp]
	delete(props, pieces.AuthProp)

	if r.e.validator != nil && len(spec.InputSchema) > 0 {
		if err := r.e.validator.ValidateInput(props, spec.InputSchema); err != nil {
			return r.fail(ctx, ec, node, out, start, err)
		}
	}

	key := breakerKey(settings.PieceName, settings.ActionName)
	if err := r.e.breakers.AllowRequest(key); err != nil {
		return r.fail(ctx, ec, node, out, start, err)
	}

	rc := &pieces.RunContext{
		FlowID:        r.c.FlowID,
		RunID:         r.c.RunID,
		StepName:      node.Name,
		Props:         props,
		Auth:          auth,
		Server:        r.c.Server,
		ExecutionType: pieces.ExecutionBegin,
		TestMode:      r.c.TestMode(),
		Logger:        r.log(ctx),
	}
	if prev, ok := ec.StepOutput(node.Name); ok && prev.Status == schema.StepStatusPaused {
		rc.ExecutionType = pieces.ExecutionResume
		rc.ResumePayload = r.c.ResumePayload
	}

	value, err := r.callAction(ctx, action, rc)
	if err != nil {
		if r.e.breakers.RecordFailure(key) == CircuitOpen {
			r.log(ctx).WarnContext(ctx, "circuit breaker open", "action", key)
			r.emit(ctx, node.Name, schema.EventCircuitBreakerOpen, r.e.breakers.Snapshot(key))
		}
		return r.fail(ctx, ec, node, out, start, err)
	}
	r.e.breakers.RecordSuccess(key)
	out = out.WithOutput(normalizeOutput(value))

	if pause := rc.PauseRequest(); pause != nil {
		r.log(ctx).InfoContext(ctx, "step paused the run")
		metadata := normalizeOutput(pause.Metadata)
		r.emit(ctx, node.Name, schema.EventStepPaused, metadata)
		return ec.
			UpsertStep(node.Name, out.WithStatus(schema.StepStatusPaused).WithDuration(r.since(start))).
			IncreaseTask().
			SetVerdict(schema.VerdictPaused, metadata)
	}
	if stop := rc.StopRequest(); stop != nil {
		r.log(ctx).InfoContext(ctx, "step stopped the run")
		return r.succeed(ctx, ec, node, out, start).
			SetVerdict(schema.VerdictSucceeded, normalizeOutput(stop.Response))
	}
	return r.succeed(ctx, ec, node, out, start)
}

// callAction invokes the action under the per-action budget. A deadline hit
// becomes a timeout failure.
func (r *flowRun) callAction(ctx context.Context, action pieces.Action, rc *pieces.RunContext) (any, error) {
	callCtx := ctx
	if r.c.StepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.c.StepTimeout)
		defer cancel()
	}
	value, err := action.Run(callCtx, rc)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
		if !schema.HasCode(err, schema.ErrCodeTimeout) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "Execution timed out after %s", r.timeoutBudget(ctx)).WithCause(err)
		}
	}
	return value, err
}

// timeoutBudget names the budget that ran out: the run's when it is gone,
// otherwise the per-action one.
func (r *flowRun) timeoutBudget(ctx context.Context) string {
	if ctx.Err() != nil && r.c.RunTimeout > 0 {
		return r.c.RunTimeout.String()
	}
	return r.c.StepTimeout.String()
}

package engine

import (
	"context"
	"reflect"
	"slices"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

// executeLoop runs the loop body once per item, each iteration in its own
// scope. Iterations recorded by an earlier attempt are re-entered with their
// steps as seed, so finished body steps are not run twice.
func (r *flowRun) executeLoop(ctx context.Context, node *Node, ec execution.ExecutionContext) (execution.ExecutionContext, error) {
	if r.skipCompleted(ctx, node, ec) {
		return ec, nil
	}
	start := r.e.now()
	r.emit(ctx, node.Name, schema.EventStepStarted, nil)
	settings := node.Action.Settings

	out := execution.NewStepOutput(string(schema.ActionTypeLoopOnItems), nil)
	res, err := r.resolve(ctx, map[string]any{"items": settings.Items}, ec, nil)
	if err != nil {
		return r.continueIfFailure(ctx, r.fail(ctx, ec, node, out, start, err), node), nil
	}
	out = execution.NewStepOutput(string(schema.ActionTypeLoopOnItems), res.Censored)

	items, ok := toItems(res.ResolvedMap()["items"])
	if !ok {
		err := schema.NewError(schema.ErrCodeValidation, "The items you have selected must be a list.")
		return r.continueIfFailure(ctx, r.fail(ctx, ec, node, out, start, err), node), nil
	}

	var prev execution.LoopOutput
	if recorded, ok := ec.StepOutput(node.Name); ok {
		prev, _ = execution.DecodeLoopOutput(recorded.Output)
	}
	lo := execution.LoopOutput{Iterations: slices.Clone(prev.Iterations)}
	if len(lo.Iterations) > len(items) {
		lo.Iterations = lo.Iterations[:len(items)]
	}

	failed, firstFailed := 0, 0
	for i, item := range items {
		if ctx.Err() != nil {
			ec = ec.UpsertStep(node.Name, out.WithOutput(lo).WithStatus(schema.StepStatusRunning).WithDuration(r.since(start)))
			return ec.SetVerdict(schema.VerdictFailed, nil), nil
		}
		lo.Item, lo.Index = item, i+1
		ec = ec.UpsertStep(node.Name, out.WithOutput(lo).WithStatus(schema.StepStatusRunning))
		if r.c.TestMode() {
			break
		}

		var seed execution.Steps
		if i < len(prev.Iterations) {
			seed = prev.Iterations[i]
		}
		r.emit(ctx, node.Name, schema.EventLoopIterStarted, map[string]any{"index": lo.Index})
		child, err := r.dispatch(ctx, node.FirstLoop, ec.NewIteration(seed))
		if err != nil {
			return ec, err
		}
		lo = lo.WithIteration(i, child.Steps())
		ec = ec.AbsorbTasks(child)
		r.emit(ctx, node.Name, schema.EventLoopIterCompleted, map[string]any{
			"index":   lo.Index,
			"verdict": child.Verdict(),
		})

		switch child.Verdict() {
		case schema.VerdictPaused:
			ec = ec.UpsertStep(node.Name, out.WithOutput(lo).WithStatus(schema.StepStatusPaused).WithDuration(r.since(start)))
			return ec.SetVerdict(schema.VerdictPaused, child.VerdictPayload()), nil
		case schema.VerdictSucceeded:
			ec = ec.UpsertStep(node.Name, out.WithOutput(lo).WithDuration(r.since(start)))
			return ec.SetVerdict(schema.VerdictSucceeded, child.VerdictPayload()), nil
		case schema.VerdictFailed:
			failed++
			if failed == 1 {
				firstFailed = lo.Index
			}
		}
		if failed > 0 && !settings.ErrorHandlingOptions.ContinueOnFailure {
			break
		}
	}

	if failed > 0 {
		var err error
		if failed == 1 {
			err = schema.NewErrorf(schema.ErrCodeExecution, "iteration %d failed", firstFailed)
		} else {
			err = schema.NewErrorf(schema.ErrCodeExecution, "%d of %d iterations failed", failed, len(items))
		}
		return r.continueIfFailure(ctx, r.fail(ctx, ec, node, out.WithOutput(lo), start, err), node), nil
	}

	r.emit(ctx, node.Name, schema.EventStepSucceeded, nil)
	out = out.WithOutput(lo).WithStatus(schema.StepStatusSucceeded).WithDuration(r.since(start))
	return ec.UpsertStep(node.Name, out), nil
}

// toItems accepts any slice or array. Strings and maps are not lists.
func toItems(v any) ([]any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case []any:
		return val, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/pkg/schema"
)

// executeBranch evaluates the branch condition, records {condition} and runs
// the chosen arm. A branch recorded by an earlier attempt is not evaluated
// again; its arm is re-entered so unfinished arm steps can complete.
func (r *flowRun) executeBranch(ctx context.Context, node *Node, ec execution.ExecutionContext) (execution.ExecutionContext, error) {
	if out, ok := ec.StepOutput(node.Name); ok && out.Status == schema.StepStatusFailed {
		return ec, nil
	}
	condition, ok := recordedCondition(ec, node.Name)
	if ok {
		r.emit(ctx, node.Name, schema.EventStepSkipped, nil)
	} else {
		ec, condition = r.evaluateBranch(ctx, node, ec)
		if ec.Verdict() != schema.VerdictRunning {
			return r.continueIfFailure(ctx, ec, node), nil
		}
	}

	if r.c.TestMode() {
		return ec, nil
	}
	arm := node.OnFailure
	if condition {
		arm = node.OnSuccess
	}
	if arm == NoNode {
		return ec, nil
	}
	return r.dispatch(ctx, arm, ec)
}

func (r *flowRun) evaluateBranch(ctx context.Context, node *Node, ec execution.ExecutionContext) (execution.ExecutionContext, bool) {
	start := r.e.now()
	settings := node.Action.Settings
	out := execution.NewStepOutput(string(schema.ActionTypeBranch), nil)

	input, err := branchInput(settings)
	if err != nil {
		return r.fail(ctx, ec, node, out, start, err), false
	}
	res, err := r.resolve(ctx, input, ec, nil)
	if err != nil {
		return r.fail(ctx, ec, node, out, start, err), false
	}
	out = execution.NewStepOutput(string(schema.ActionTypeBranch), res.Censored)

	condition, err := r.condition(ctx, res.ResolvedMap(), ec)
	if err != nil {
		return r.fail(ctx, ec, node, out, start, err), false
	}

	r.log(ctx).DebugContext(ctx, "branch evaluated", "condition", condition)
	r.emit(ctx, node.Name, schema.EventBranchEvaluated, map[string]any{"condition": condition})
	out = out.WithOutput(map[string]any{"condition": condition}).WithDuration(r.since(start))
	return ec.UpsertStep(node.Name, out), condition
}

// condition evaluates resolved conditions when present and falls back to the
// expression: a resolved boolean is taken as is, a string is compiled as CEL
// over the step outputs.
func (r *flowRun) condition(ctx context.Context, resolved map[string]any, ec execution.ExecutionContext) (bool, error) {
	if raw, ok := resolved["conditions"]; ok && raw != nil {
		groups, err := decodeConditions(raw)
		if err != nil {
			return false, err
		}
		if len(groups) > 0 {
			return expressions.EvaluateConditions(groups)
		}
	}
	switch expr := resolved["expression"].(type) {
	case bool:
		return expr, nil
	case string:
		if expr == "" {
			return false, schema.NewError(schema.ErrCodeValidation, "branch has neither conditions nor expression")
		}
		return r.e.cel.EvaluateBool(ctx, expr, ec.MentionScope())
	case nil:
		return false, schema.NewError(schema.ErrCodeValidation, "branch has neither conditions nor expression")
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "branch expression resolved to %T, want bool or string", expr)
	}
}

// branchInput puts the branch settings in the generic shape the resolver walks.
func branchInput(s schema.ActionSettings) (map[string]any, error) {
	input := map[string]any{"expression": s.Expression}
	if len(s.Conditions) == 0 {
		return input, nil
	}
	raw, err := json.Marshal(s.Conditions)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode branch conditions").WithCause(err)
	}
	var generic []any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode branch conditions").WithCause(err)
	}
	input["conditions"] = generic
	return input, nil
}

func decodeConditions(v any) ([][]schema.BranchCondition, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode branch conditions").WithCause(err)
	}
	var groups [][]schema.BranchCondition
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode branch conditions").WithCause(err)
	}
	return groups, nil
}

// recordedCondition returns the condition of a branch that already succeeded.
func recordedCondition(ec execution.ExecutionContext, name string) (bool, bool) {
	out, ok := ec.StepOutput(name)
	if !ok || out.Status != schema.StepStatusSucceeded {
		return false, false
	}
	m, ok := out.Output.(map[string]any)
	if !ok {
		return false, false
	}
	condition, ok := m["condition"].(bool)
	return condition, ok
}

package engine

import (
	"context"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/sandbox"
	"github.com/rendis/flowengine/pkg/schema"
)

// executeCode runs a CODE step: resolve input, call the sandboxed module
// under the retry policy, then apply the continuation policy. Runner errors
// and timeouts end up on the step output and never escape.
func (r *flowRun) executeCode(ctx context.Context, node *Node, ec execution.ExecutionContext) execution.ExecutionContext {
	if r.skipCompleted(ctx, node, ec) {
		return ec
	}
	result := r.withRetry(ctx, ec, node, func(ctx context.Context, ec execution.ExecutionContext) execution.ExecutionContext {
		return r.runCode(ctx, node, ec)
	})
	return r.continueIfFailure(ctx, result, node)
}

func (r *flowRun) runCode(ctx context.Context, node *Node, ec execution.ExecutionContext) execution.ExecutionContext {
	start := r.e.now()
	r.emit(ctx, node.Name, schema.EventStepStarted, nil)
	settings := node.Action.Settings

	out := execution.NewStepOutput(string(schema.ActionTypeCode), nil)
	res, err := r.resolve(ctx, settings.Input, ec, nil)
	if err != nil {
		return r.fail(ctx, ec, node, out, start, err)
	}
	out = execution.NewStepOutput(string(schema.ActionTypeCode), res.Censored)

	if r.e.code == nil {
		return r.fail(ctx, ec, node, out, start, schema.NewError(schema.ErrCodeSandbox, "no code runner configured"))
	}
	module, err := sandbox.LoadModule(r.c.BaseCodeDirectory, node.Name, settings.SourceCode)
	if err != nil {
		return r.fail(ctx, ec, node, out, start, err)
	}

	value, err := r.e.code.Run(ctx, module, res.ResolvedMap())
	if err != nil {
		if ctx.Err() != nil && r.c.RunTimeout > 0 && schema.HasCode(err, schema.ErrCodeTimeout) {
			err = schema.NewErrorf(schema.ErrCodeTimeout, "Execution timed out after %s", r.timeoutBudget(ctx)).WithCause(err)
		}
		return r.fail(ctx, ec, node, out, start, err)
	}
	return r.succeed(ctx, ec, node, out.WithOutput(normalizeOutput(value)), start)
}

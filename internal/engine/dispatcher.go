package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/schema"
)

// flowRun is the per-run view of the engine: one compiled graph, one set of
// constants. It holds no execution state; contexts are threaded through calls.
type flowRun struct {
	e     *Engine
	graph *Graph
	c     EngineConstants
}

// dispatch executes the chain starting at id. After each step it follows the
// linear or merge successor while the verdict stays RUNNING. The returned
// error is always a fatal engine error.
func (r *flowRun) dispatch(ctx context.Context, id NodeID, ec execution.ExecutionContext) (execution.ExecutionContext, error) {
	for id != NoNode {
		if ctx.Err() != nil {
			return ec.SetVerdict(schema.VerdictFailed, nil), nil
		}
		node := r.graph.Node(id)
		next, err := r.executeNode(ctx, node, ec)
		if err != nil {
			return ec, err
		}
		ec = next
		if ec.Verdict() != schema.VerdictRunning {
			return ec, nil
		}
		id = node.Next
	}
	return ec, nil
}

// executeNode runs a single step with the executor for its type.
func (r *flowRun) executeNode(ctx context.Context, node *Node, ec execution.ExecutionContext) (execution.ExecutionContext, error) {
	ctx = logging.WithStepName(ctx, node.Name)

	switch schema.ActionType(node.Kind) {
	case schema.ActionTypeEmpty:
		return r.executeEmpty(ctx, node, ec), nil
	case schema.ActionTypeCode:
		return r.executeCode(ctx, node, ec), nil
	case schema.ActionTypePiece:
		return r.executePiece(ctx, node, ec), nil
	case schema.ActionTypeBranch:
		return r.executeBranch(ctx, node, ec)
	case schema.ActionTypeLoopOnItems:
		return r.executeLoop(ctx, node, ec)
	default:
		return ec, fatalf("no executor for step type %q", node.Kind).WithStep(node.Name)
	}
}

func (r *flowRun) executeEmpty(ctx context.Context, node *Node, ec execution.ExecutionContext) execution.ExecutionContext {
	if r.skipCompleted(ctx, node, ec) {
		return ec
	}
	return ec.UpsertStep(node.Name, execution.NewStepOutput(string(schema.ActionTypeEmpty), nil))
}

func (r *flowRun) skipCompleted(ctx context.Context, node *Node, ec execution.ExecutionContext) bool {
	if !ec.IsCompleted(node.Name) {
		return false
	}
	r.log(ctx).DebugContext(ctx, "step already completed")
	r.emit(ctx, node.Name, schema.EventStepSkipped, nil)
	return true
}

func (r *flowRun) resolve(ctx context.Context, input any, ec execution.ExecutionContext, secretKeys []string) (*expressions.Resolution, error) {
	res, err := r.e.resolver.Resolve(ctx, input, ec.MentionScope(), secretKeys)
	if err != nil {
		return nil, err
	}
	if len(res.Gaps) > 0 {
		r.log(ctx).WarnContext(ctx, "unresolved mentions", "gaps", res.Gaps)
	}
	return res, nil
}

// fail records out as FAILED with err's message and sets the FAILED verdict.
func (r *flowRun) fail(ctx context.Context, ec execution.ExecutionContext, node *Node, out execution.StepOutput, start time.Time, err error) execution.ExecutionContext {
	msg := errorMessage(err)
	r.log(ctx).WarnContext(ctx, "step failed", "error", msg)
	r.emit(ctx, node.Name, schema.EventStepFailed, map[string]any{"error": msg})
	return ec.
		UpsertStep(node.Name, out.WithError(msg).WithDuration(r.since(start))).
		SetVerdict(schema.VerdictFailed, nil)
}

func (r *flowRun) succeed(ctx context.Context, ec execution.ExecutionContext, node *Node, out execution.StepOutput, start time.Time) execution.ExecutionContext {
	r.emit(ctx, node.Name, schema.EventStepSucceeded, nil)
	return ec.UpsertStep(node.Name, out.WithDuration(r.since(start))).IncreaseTask()
}

func (r *flowRun) continueIfFailure(ctx context.Context, ec execution.ExecutionContext, node *Node) execution.ExecutionContext {
	next := ContinueIfFailureHandler(ec, node.Action, r.c)
	if ec.Verdict() == schema.VerdictFailed && next.Verdict() == schema.VerdictRunning {
		r.log(ctx).InfoContext(ctx, "continuing past failed step")
		r.emit(ctx, node.Name, schema.EventStepContinued, nil)
	}
	return next
}

// withRetry runs attempt under the action's retry policy, logging each wait.
func (r *flowRun) withRetry(ctx context.Context, ec execution.ExecutionContext, node *Node, attempt attemptFunc) execution.ExecutionContext {
	sleep := func(ctx context.Context, d time.Duration) error {
		r.log(ctx).InfoContext(ctx, "retrying step", "delay", d)
		r.emit(ctx, node.Name, schema.EventStepRetrying, map[string]any{"delay_ms": d.Milliseconds()})
		return r.e.sleep(ctx, d)
	}
	return RunWithExponentialBackoff(ctx, ec, node.Action, r.c, sleep, attempt)
}

func (r *flowRun) emit(ctx context.Context, stepName, eventType string, payload any) {
	r.e.emit(ctx, r.c.RunID, stepName, eventType, payload)
}

func (r *flowRun) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, r.e.logger)
}

func (r *flowRun) since(start time.Time) time.Duration {
	return r.e.now().Sub(start)
}

// errorMessage is the text recorded on a failed step output.
func errorMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// normalizeOutput converts a step result to its JSON data model (maps, slices,
// float64 numbers) so live and persisted runs resolve mentions identically.
func normalizeOutput(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return gjson.ParseBytes(raw).Value()
}

func marshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

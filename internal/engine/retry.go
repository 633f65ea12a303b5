package engine

import (
	"context"
	"time"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

// Sleeper waits between retry attempts. It returns early with the context error on cancellation.
type Sleeper func(ctx context.Context, d time.Duration) error

// attemptFunc runs one attempt of a step against the context it started from.
type attemptFunc func(ctx context.Context, ec execution.ExecutionContext) execution.ExecutionContext

// ComputeBackoff returns the delay after the given 1-based attempt:
// RetryExponential^attempt × RetryInterval.
func ComputeBackoff(c EngineConstants, attempt int) time.Duration {
	if c.RetryInterval <= 0 || attempt <= 0 {
		return 0
	}
	multiplier := time.Duration(1)
	for i := 0; i < attempt; i++ {
		multiplier *= time.Duration(c.RetryExponential)
	}
	return c.RetryInterval * multiplier
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunWithExponentialBackoff runs attempt once and re-runs it against the
// original context while the step failed, the action asks for retries, the
// run is not a single-step test and attempts remain. The last attempt's
// context is returned whatever its outcome, with the attempt count stamped
// on the step output.
func RunWithExponentialBackoff(ctx context.Context, ec execution.ExecutionContext, action *schema.Action,
	c EngineConstants, sleep Sleeper, attempt attemptFunc) execution.ExecutionContext {
	if sleep == nil {
		sleep = WaitForBackoff
	}
	for n := 1; ; n++ {
		result := stampAttempts(attempt(ctx, ec), action.Name, n)
		if !shouldRetry(result, action, c, n) {
			return result
		}
		if err := sleep(ctx, ComputeBackoff(c, n)); err != nil {
			return result
		}
	}
}

func shouldRetry(result execution.ExecutionContext, action *schema.Action, c EngineConstants, attempt int) bool {
	if result.Verdict() != schema.VerdictFailed {
		return false
	}
	return action.Settings.ErrorHandlingOptions.RetryOnFailure &&
		!c.TestMode() &&
		attempt < c.MaxAttempts
}

func stampAttempts(ec execution.ExecutionContext, name string, n int) execution.ExecutionContext {
	out, ok := ec.StepOutput(name)
	if !ok {
		return ec
	}
	return ec.UpsertStep(name, out.WithAttempts(n))
}

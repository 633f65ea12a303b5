package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

func newTestService(t *testing.T, h *harness) (*Service, *store.LibSQLStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	h.engine.events = store.NewEventLog(s)
	return NewService(h.engine, s, nil), s
}

func saveFlow(t *testing.T, svc *Service, first *schema.Action) string {
	t.Helper()
	fv := flowOf(first)
	fv.ID = ""
	rec, err := svc.SaveFlow(context.Background(), fv)
	require.NoError(t, err)
	return rec.ID
}

func TestService_StartPersistsRun(t *testing.T) {
	h := newHarness(t)
	svc, _ := newTestService(t, h)
	ctx := context.Background()
	fvID := saveFlow(t, svc, chain(codeStep("s1", nil), codeStep("s2", nil)))

	res, err := svc.Start(ctx, fvID, map[string]any{"n": 1}, DefaultConstants())
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)

	run, err := svc.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Tasks)
	assert.NotNil(t, run.FinishedAt)

	steps, err := decodeSteps(run.Steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"trigger", "s1", "s2"}, steps.Names())

	events, err := svc.Events(ctx, res.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunSucceeded, events[len(events)-1].Type)

	timeline, err := svc.Timeline(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, timeline["s1"].Attempts)
}

func TestService_SaveFlowRejectsInvalidGraph(t *testing.T) {
	h := newHarness(t)
	svc, _ := newTestService(t, h)

	_, err := svc.SaveFlow(context.Background(), flowOf(chain(codeStep("a", nil), codeStep("a", nil))))
	assert.True(t, schema.HasCode(err, schema.ErrCodeFatal))
}

type rejectFlows struct{ calls int }

func (r *rejectFlows) ValidateFlow(*schema.FlowVersion) error {
	r.calls++
	return schema.NewError(schema.ErrCodeValidation, "rejected")
}

func TestService_SaveFlowUsesFlowChecker(t *testing.T) {
	h := newHarness(t)
	_, st := newTestService(t, h)
	checker := &rejectFlows{}
	svc := NewService(h.engine, st, nil, WithFlowChecker(checker))

	_, err := svc.SaveFlow(context.Background(), flowOf(codeStep("a", nil)))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Equal(t, 1, checker.calls)
}

func TestService_StartUnknownFlowVersion(t *testing.T) {
	h := newHarness(t)
	svc, _ := newTestService(t, h)

	_, err := svc.Start(context.Background(), "nope", nil, DefaultConstants())
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestService_PauseAndResume(t *testing.T) {
	approve := approvalFake()
	h := newHarness(t, approve)
	svc, _ := newTestService(t, h)
	ctx := context.Background()
	fvID := saveFlow(t, svc, chain(pieceStep("approval", "approve", nil), codeStep("finish", nil)))

	paused, err := svc.Start(ctx, fvID, nil, DefaultConstants())
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusPaused, paused.Status)

	run, err := svc.Get(ctx, paused.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, run.Status)
	assert.JSONEq(t, `{"reason":"needs approval"}`, string(run.PauseMetadata))
	assert.Nil(t, run.FinishedAt)

	resumed, err := svc.Resume(ctx, paused.RunID, map[string]any{"approved": true}, DefaultConstants())
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, resumed.Status)
	assert.Equal(t, paused.RunID, resumed.RunID)
	assert.Equal(t, 1, h.code.count("finish"))

	run, err = svc.Get(ctx, paused.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Empty(t, run.PauseMetadata)
	assert.Equal(t, 3, run.Tasks)

	_, err = svc.Resume(ctx, paused.RunID, nil, DefaultConstants())
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestService_RetryFromFailed(t *testing.T) {
	h := newHarness(t)
	svc, _ := newTestService(t, h)
	ctx := context.Background()
	broken := true
	h.code.on("s2", func(map[string]any) (any, error) {
		if broken {
			return nil, assert.AnError
		}
		return "fixed", nil
	})
	fvID := saveFlow(t, svc, chain(codeStep("s1", nil), codeStep("s2", nil), codeStep("s3", nil)))

	failed, err := svc.Start(ctx, fvID, nil, DefaultConstants())
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFailed, failed.Status)

	broken = false
	retried, err := svc.RetryFromFailed(ctx, failed.RunID, DefaultConstants())
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSucceeded, retried.Status)
	assert.Equal(t, 1, h.code.count("s1"))
	assert.Equal(t, 2, h.code.count("s2"))
	assert.Equal(t, 1, h.code.count("s3"))

	run, err := svc.Get(ctx, failed.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Empty(t, run.Error)

	retriedEvents, err := h.engine.events.(*store.EventLog).GetEventsByType(ctx, schema.EventRunRetried, store.EventFilter{RunID: failed.RunID})
	require.NoError(t, err)
	assert.Len(t, retriedEvents, 1)
}

func TestService_RetryRejectsSucceededRun(t *testing.T) {
	h := newHarness(t)
	svc, _ := newTestService(t, h)
	ctx := context.Background()
	fvID := saveFlow(t, svc, codeStep("s1", nil))

	res, err := svc.Start(ctx, fvID, nil, DefaultConstants())
	require.NoError(t, err)

	_, err = svc.RetryFromFailed(ctx, res.RunID, DefaultConstants())
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestService_TestStepDoesNotPersist(t *testing.T) {
	h := newHarness(t)
	svc, _ := newTestService(t, h)
	ctx := context.Background()
	fvID := saveFlow(t, svc, chain(codeStep("s1", nil), codeStep("s2", nil)))

	res, err := svc.TestStep(ctx, fvID, "s2", "", nil, DefaultConstants())
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	assert.Zero(t, h.code.count("s1"))

	runs, err := svc.List(ctx, store.RunFilter{FlowVersionID: fvID})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPruneFailed_KeepsLoopProgress(t *testing.T) {
	raw := `{
  "trigger": {"type": "WEBHOOK", "status": "SUCCEEDED", "output": {"items": [1, 2]}, "duration": 0},
  "loop": {"type": "LOOP_ON_ITEMS", "status": "FAILED", "errorMessage": "iteration 2 failed", "duration": 3,
    "output": {"item": 2, "index": 2, "iterations": [
      {"x": {"type": "CODE", "status": "SUCCEEDED", "output": 1, "duration": 1}},
      {"x": {"type": "CODE", "status": "FAILED", "errorMessage": "boom", "duration": 1}}
    ]}},
  "notify": {"type": "PIECE", "status": "FAILED", "errorMessage": "down", "duration": 1}
}`
	steps, err := decodeSteps(json.RawMessage(raw))
	require.NoError(t, err)

	pruned := pruneFailed(steps)

	assert.Equal(t, []string{"trigger", "loop"}, pruned.Names())
	loop, _ := pruned.Get("loop")
	assert.Equal(t, schema.StepStatusRunning, loop.Status)
	assert.Empty(t, loop.ErrorMessage)
	_, ok := pruned.Get("notify")
	assert.False(t, ok)
}

func TestService_StartBatchPersistsEveryRun(t *testing.T) {
	h := newHarness(t)
	h.code.on("check", func(p map[string]any) (any, error) {
		if p["n"].(float64) < 0 {
			return nil, errors.New("negative")
		}
		return p["n"], nil
	})
	svc, _ := newTestService(t, h)
	ctx := context.Background()
	fvID := saveFlow(t, svc, codeStep("check", map[string]any{"n": "{{trigger.n}}"}))

	payloads := []any{
		map[string]any{"n": 1.0},
		map[string]any{"n": -1.0},
		map[string]any{"n": 2.0},
	}
	results, metrics, err := svc.StartBatch(ctx, fvID, payloads, DefaultConstants(), 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(2), metrics.Completed)
	assert.Equal(t, int64(1), metrics.Failed)

	want := []schema.RunStatus{schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusSucceeded}
	for i, res := range results {
		run, err := svc.Get(ctx, res.RunID)
		require.NoError(t, err)
		assert.Equal(t, want[i], run.Status, "run %d", i)
		assert.NotNil(t, run.FinishedAt)
	}

	runs, err := svc.List(ctx, store.RunFilter{FlowVersionID: fvID})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestService_RunTrace(t *testing.T) {
	h := newHarness(t)
	svc, _ := newTestService(t, h)
	ctx := context.Background()
	fvID := saveFlow(t, svc, chain(codeStep("s1", nil), codeStep("s2", nil)))

	res, err := svc.Start(ctx, fvID, nil, DefaultConstants())
	require.NoError(t, err)

	fv, steps, err := svc.RunTrace(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "s1", fv.Trigger.NextAction.Name)
	assert.Equal(t, []string{"trigger", "s1", "s2"}, steps.Names())

	_, _, err = svc.RunTrace(ctx, "missing")
	require.Error(t, err)
}

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func TestRunFSM_ValidTransitionsEmitEvents(t *testing.T) {
	rec := &recorder{}
	fsm := NewRunFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Started(ctx, "run-1", nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusPaused, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusPaused, schema.RunStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusFailed, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusFailed, schema.RunStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusStopped, nil))

	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventRunPaused,
		schema.EventRunResumed,
		schema.EventRunFailed,
		schema.EventRunRetried,
		schema.EventRunStopped,
	}, rec.types(""))
}

func TestRunFSM_InvalidTransition(t *testing.T) {
	fsm := NewRunFSM(&recorder{})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusSucceeded, schema.RunStatusRunning, nil)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	assert.Equal(t, "run-1", fe.Details["run_id"])
}

func TestRunFSM_SameStatusIsSilent(t *testing.T) {
	rec := &recorder{}
	fsm := NewRunFSM(rec)

	require.NoError(t, fsm.Transition(context.Background(), "run-1", schema.RunStatusRunning, schema.RunStatusRunning, nil))
	assert.Empty(t, rec.types(""))
}

func TestRunFSM_EventPayload(t *testing.T) {
	rec := &recorder{}
	fsm := NewRunFSM(rec)

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusRunning, schema.RunStatusFailed,
		schema.NewError(schema.ErrCodeExecution, "boom"))
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	assert.JSONEq(t, `{"code":"EXECUTION_ERROR","message":"boom"}`, string(rec.events[0].Payload))
}

func TestRunFSM_AppendFailure(t *testing.T) {
	fsm := NewRunFSM(failingAppender{})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusRunning, schema.RunStatusSucceeded, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestRunFSM_Hooks(t *testing.T) {
	fsm := NewRunFSM(&recorder{})
	var order []string
	fsm.OnBefore(schema.RunStatusRunning, schema.RunStatusSucceeded, func(runID string, _, _ schema.RunStatus) error {
		order = append(order, "before:"+runID)
		return nil
	})
	fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusSucceeded, func(runID string, _, _ schema.RunStatus) error {
		order = append(order, "after:"+runID)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "r", schema.RunStatusRunning, schema.RunStatusSucceeded, nil))
	assert.Equal(t, []string{"before:r", "after:r"}, order)
}

func TestRunFSM_BeforeHookAborts(t *testing.T) {
	rec := &recorder{}
	fsm := NewRunFSM(rec)
	fsm.OnBefore(schema.RunStatusPaused, schema.RunStatusRunning, func(string, schema.RunStatus, schema.RunStatus) error {
		return errors.New("resume disabled")
	})

	err := fsm.Transition(context.Background(), "r", schema.RunStatusPaused, schema.RunStatusRunning, nil)
	assert.EqualError(t, err, "resume disabled")
	assert.Empty(t, rec.types(""))
}

package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_WarningsDoNotBlock(t *testing.T) {
	r := &ValidationResult{}
	r.AddStepWarning("trigger.nextAction.settings.input.url", "fetch", ErrCodeResolution, "unknown step \"nope\"")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "fetch", r.Warnings[0].Step)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddStepError("trigger.nextAction", "loop", ErrCodeValidation, "items is required")

	err := r.ToError()
	require.Error(t, err)

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Equal(t, "loop", fe.StepName)
	assert.Equal(t, "trigger.nextAction: items is required", fe.Message)
	assert.Equal(t, 1, fe.Details["error_count"])
}

func TestValidationResult_MergeAndCount(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("trigger", ErrCodeValidation, "err1")

	r2 := &ValidationResult{}
	r2.AddError("trigger.nextAction", ErrCodeValidation, "err2")
	r2.AddWarning("trigger.nextAction", ErrCodeValidation, "warn")
	r1.Merge(r2)
	r1.Merge(nil)

	var fe *FlowError
	require.True(t, errors.As(r1.ToError(), &fe))
	assert.Contains(t, fe.Message, "2 errors")
	assert.Equal(t, 1, fe.Details["warning_count"])
}

func TestFlowError_FatalClassification(t *testing.T) {
	fatal := NewErrorf(ErrCodeFatal, "unknown step type %q", "WAT").WithStep("s1")
	wrapped := fmt.Errorf("dispatch: %w", fatal)

	assert.True(t, IsFatal(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeFatal))
	assert.False(t, IsFatal(NewError(ErrCodeExecution, "boom")))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.Equal(t, `[FATAL_ENGINE_ERROR] step s1: unknown step type "WAT"`, fatal.Error())
}

func TestFlowError_UnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "save run").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestRunStatus_IsFinal(t *testing.T) {
	assert.False(t, RunStatusPaused.IsFinal())
	assert.False(t, RunStatusRunning.IsFinal())
	assert.True(t, RunStatusSucceeded.IsFinal())
	assert.True(t, RunStatusInternalError.IsFinal())
	assert.True(t, StepStatusFailed.IsTerminal())
	assert.False(t, StepStatusPaused.IsTerminal())
}

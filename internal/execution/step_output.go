package execution

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// StepOutput is the recorded outcome of one step. Values are treated as
// immutable: the With* helpers return modified copies.
type StepOutput struct {
	Type         string            `json:"type"`
	Status       schema.StepStatus `json:"status"`
	Input        any               `json:"input,omitempty"`
	Output       any               `json:"output,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Duration     int64             `json:"duration"`
	Attempts     int               `json:"attempts,omitempty"`
}

// NewStepOutput creates a provisional SUCCEEDED output carrying the censored input.
func NewStepOutput(stepType string, censoredInput any) StepOutput {
	return StepOutput{
		Type:   stepType,
		Status: schema.StepStatusSucceeded,
		Input:  censoredInput,
	}
}

func (o StepOutput) WithOutput(v any) StepOutput {
	o.Output = v
	return o
}

func (o StepOutput) WithStatus(s schema.StepStatus) StepOutput {
	o.Status = s
	return o
}

// WithError marks the output FAILED with the given message.
func (o StepOutput) WithError(msg string) StepOutput {
	o.Status = schema.StepStatusFailed
	o.ErrorMessage = msg
	return o
}

func (o StepOutput) WithDuration(d time.Duration) StepOutput {
	o.Duration = d.Milliseconds()
	return o
}

func (o StepOutput) WithAttempts(n int) StepOutput {
	o.Attempts = n
	return o
}

// MentionValue is what a {{step}} mention resolves to: the output payload, with
// loop outputs expanded into plain maps so paths can walk into iterations.
func (o StepOutput) MentionValue() any {
	if lo, ok := o.Output.(LoopOutput); ok {
		return lo.asMap()
	}
	return o.Output
}

// AsMap renders the whole step output as a plain map (used inside loop iterations).
func (o StepOutput) AsMap() map[string]any {
	m := map[string]any{
		"type":     o.Type,
		"status":   string(o.Status),
		"input":    o.Input,
		"output":   o.MentionValue(),
		"duration": o.Duration,
	}
	if o.ErrorMessage != "" {
		m["errorMessage"] = o.ErrorMessage
	}
	if o.Attempts > 0 {
		m["attempts"] = o.Attempts
	}
	return m
}

// LoopOutput is the output payload of a LOOP_ON_ITEMS step.
// Index is 1-based; Iterations[i] holds the body's step outputs for item i.
type LoopOutput struct {
	Item       any     `json:"item"`
	Index      int     `json:"index"`
	Iterations []Steps `json:"iterations"`
}

// WithIteration returns a copy whose iteration i is replaced (or appended when i == len).
func (lo LoopOutput) WithIteration(i int, steps Steps) LoopOutput {
	n := len(lo.Iterations)
	if i >= n {
		n = i + 1
	}
	iters := make([]Steps, n)
	copy(iters, lo.Iterations)
	iters[i] = steps
	lo.Iterations = iters
	return lo
}

func (lo LoopOutput) asMap() map[string]any {
	iters := make([]any, len(lo.Iterations))
	for i, it := range lo.Iterations {
		iters[i] = it.asMap()
	}
	return map[string]any{
		"item":       lo.Item,
		"index":      lo.Index,
		"iterations": iters,
	}
}

// DecodeLoopOutput recovers a LoopOutput from a step output payload, either the
// typed value or the generic form produced by decoding a persisted run.
func DecodeLoopOutput(v any) (LoopOutput, bool) {
	switch val := v.(type) {
	case LoopOutput:
		return val, true
	case *LoopOutput:
		if val == nil {
			return LoopOutput{}, false
		}
		return *val, true
	case map[string]any:
		raw, err := json.Marshal(val)
		if err != nil {
			return LoopOutput{}, false
		}
		var lo LoopOutput
		if err := json.Unmarshal(raw, &lo); err != nil {
			return LoopOutput{}, false
		}
		return lo, true
	default:
		return LoopOutput{}, false
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/pieces"
	"github.com/rendis/flowengine/internal/sandbox"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// fakeCode is a CodeRunner that dispatches on the module (step) name.
type fakeCode struct {
	mu    sync.Mutex
	fns   map[string]func(params map[string]any) (any, error)
	calls map[string]int
}

func newFakeCode() *fakeCode {
	return &fakeCode{
		fns:   make(map[string]func(map[string]any) (any, error)),
		calls: make(map[string]int),
	}
}

func (f *fakeCode) on(step string, fn func(params map[string]any) (any, error)) *fakeCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[step] = fn
	return f
}

func (f *fakeCode) Run(_ context.Context, m sandbox.Module, params map[string]any) (any, error) {
	f.mu.Lock()
	fn, ok := f.fns[m.Name]
	f.calls[m.Name]++
	f.mu.Unlock()
	if !ok {
		return map[string]any{"step": m.Name}, nil
	}
	return fn(params)
}

func (f *fakeCode) count(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[step]
}

// fakeAction is a piece action backed by a function.
type fakeAction struct {
	name   string
	schema pieces.ActionSchema
	run    func(ctx context.Context, rc *pieces.RunContext) (any, error)

	mu    sync.Mutex
	calls []*pieces.RunContext
}

func (a *fakeAction) Name() string                { return a.name }
func (a *fakeAction) Schema() pieces.ActionSchema { return a.schema }

func (a *fakeAction) Run(ctx context.Context, rc *pieces.RunContext) (any, error) {
	a.mu.Lock()
	a.calls = append(a.calls, rc)
	a.mu.Unlock()
	if a.run == nil {
		return rc.Props, nil
	}
	return a.run(ctx, rc)
}

func (a *fakeAction) lastCall() *pieces.RunContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.calls) == 0 {
		return nil
	}
	return a.calls[len(a.calls)-1]
}

// recorder is an EventAppender keeping events in memory.
type recorder struct {
	mu     sync.Mutex
	events []*store.Event
}

func (r *recorder) AppendEvent(_ context.Context, ev *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types(step string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if step == "" || ev.StepName == step {
			out = append(out, ev.Type)
		}
	}
	return out
}

// failingAppender always returns an error.
type failingAppender struct{}

func (failingAppender) AppendEvent(context.Context, *store.Event) error {
	return errors.New("store unavailable")
}

type harness struct {
	engine  *Engine
	code    *fakeCode
	events  *recorder
	pieces  *pieces.Registry
	delays  []time.Duration
	delayMu sync.Mutex
}

func newHarness(t *testing.T, actions ...pieces.Action) *harness {
	t.Helper()
	h := &harness{code: newFakeCode(), events: &recorder{}, pieces: pieces.NewRegistry()}
	if len(actions) > 0 {
		require.NoError(t, h.pieces.Register("test", "0.1.0", actions...))
	}
	sleep := func(_ context.Context, d time.Duration) error {
		h.delayMu.Lock()
		defer h.delayMu.Unlock()
		h.delays = append(h.delays, d)
		return nil
	}
	e, err := New(
		WithCodeRunner(h.code),
		WithPieces(h.pieces),
		WithEventLog(h.events),
		WithSleeper(sleep),
	)
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) run(t *testing.T, fv *schema.FlowVersion, payload any) *RunResult {
	t.Helper()
	return h.runWith(t, RunRequest{Flow: fv, TriggerPayload: payload, Constants: DefaultConstants()})
}

func (h *harness) runWith(t *testing.T, req RunRequest) *RunResult {
	t.Helper()
	res, err := h.engine.Run(context.Background(), req)
	require.NoError(t, err)
	return res
}

// --- flow builders ---

func flowOf(first *schema.Action) *schema.FlowVersion {
	return &schema.FlowVersion{
		ID:     "fv-1",
		FlowID: "flow-1",
		Trigger: schema.Trigger{
			Name:       "trigger",
			Type:       schema.TriggerTypeWebhook,
			NextAction: first,
		},
	}
}

// chain links actions through NextAction and returns the head.
func chain(actions ...*schema.Action) *schema.Action {
	for i := 0; i+1 < len(actions); i++ {
		actions[i].NextAction = actions[i+1]
	}
	if len(actions) == 0 {
		return nil
	}
	return actions[0]
}

func codeStep(name string, input map[string]any) *schema.Action {
	return &schema.Action{
		Name: name,
		Type: schema.ActionTypeCode,
		Settings: schema.ActionSettings{
			Input:      input,
			SourceCode: &schema.SourceCode{Language: sandbox.LanguageLua, Code: "function code(params) return params end"},
		},
	}
}

func pieceStep(name, action string, input map[string]any) *schema.Action {
	return &schema.Action{
		Name: name,
		Type: schema.ActionTypePiece,
		Settings: schema.ActionSettings{
			Input:      input,
			PieceName:  "test",
			ActionName: action,
		},
	}
}

func branchStep(name string, conditions [][]schema.BranchCondition, onSuccess, onFailure *schema.Action) *schema.Action {
	return &schema.Action{
		Name:            name,
		Type:            schema.ActionTypeBranch,
		Settings:        schema.ActionSettings{Conditions: conditions},
		OnSuccessAction: onSuccess,
		OnFailureAction: onFailure,
	}
}

func loopStep(name, items string, body *schema.Action) *schema.Action {
	return &schema.Action{
		Name:            name,
		Type:            schema.ActionTypeLoopOnItems,
		Settings:        schema.ActionSettings{Items: items},
		FirstLoopAction: body,
	}
}

func withErrorHandling(a *schema.Action, retry, cont bool) *schema.Action {
	a.Settings.ErrorHandlingOptions = schema.ErrorHandlingOptions{RetryOnFailure: retry, ContinueOnFailure: cont}
	return a
}

func alwaysFail(msg string) func(map[string]any) (any, error) {
	return func(map[string]any) (any, error) { return nil, fmt.Errorf("%s", msg) }
}

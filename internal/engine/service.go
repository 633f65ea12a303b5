package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// Service runs persisted flow versions and keeps their run records current.
// It owns run-level status transitions; the engine only emits step events.
type Service struct {
	engine *Engine
	store  store.Store
	events *store.EventLog
	fsm    *RunFSM
	flows  FlowChecker
	logger *slog.Logger
}

// FlowChecker validates a flow version before it is saved.
// Satisfied by *validation.FlowValidator.
type FlowChecker interface {
	ValidateFlow(fv *schema.FlowVersion) error
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFlowChecker makes SaveFlow reject flows that fail validation.
func WithFlowChecker(c FlowChecker) ServiceOption { return func(s *Service) { s.flows = c } }

// NewService wires an engine to a store. Run events go to the store's event log.
func NewService(e *Engine, s store.Store, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = e.logger
	}
	events := store.NewEventLog(s)
	svc := &Service{
		engine: e,
		store:  s,
		events: events,
		fsm:    NewRunFSM(events),
		logger: logger,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// FSM exposes the run lifecycle FSM so callers can register transition hooks.
func (s *Service) FSM() *RunFSM { return s.fsm }

// SaveFlow compiles fv and stores it as a new flow version.
func (s *Service) SaveFlow(ctx context.Context, fv *schema.FlowVersion) (*store.FlowVersionRecord, error) {
	if fv == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow is nil")
	}
	if s.flows != nil {
		if err := s.flows.ValidateFlow(fv); err != nil {
			return nil, err
		}
	} else if _, err := CompileGraph(fv); err != nil {
		return nil, err
	}
	if fv.ID == "" {
		fv.ID = uuid.NewString()
	}
	if fv.FlowID == "" {
		fv.FlowID = fv.ID
	}
	rec := &store.FlowVersionRecord{
		ID:          fv.ID,
		FlowID:      fv.FlowID,
		DisplayName: fv.DisplayName,
		Definition:  *fv,
	}
	if err := s.store.SaveFlowVersion(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Start creates a run of the flow version and executes it with the trigger payload.
func (s *Service) Start(ctx context.Context, flowVersionID string, payload any, c EngineConstants) (*RunResult, error) {
	rec, err := s.store.GetFlowVersion(ctx, flowVersionID)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:            uuid.NewString(),
		FlowID:        rec.FlowID,
		FlowVersionID: rec.ID,
		Status:        schema.RunStatusRunning,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.fsm.Started(ctx, run.ID, map[string]any{"flow_version_id": rec.ID}); err != nil {
		return nil, err
	}

	res, err := s.engine.Run(ctx, RunRequest{
		RunID:          run.ID,
		Flow:           &rec.Definition,
		TriggerPayload: payload,
		Constants:      s.scoped(c, rec),
	})
	if err != nil {
		return nil, err
	}
	return res, s.persist(ctx, run, res)
}

// StartBatch creates one run per payload and executes them through a bounded
// worker pool. Results are in payload order; every run is persisted even when
// another run in the batch fails.
func (s *Service) StartBatch(ctx context.Context, flowVersionID string, payloads []any, c EngineConstants, concurrency int) ([]*RunResult, PoolMetrics, error) {
	rec, err := s.store.GetFlowVersion(ctx, flowVersionID)
	if err != nil {
		return nil, PoolMetrics{}, err
	}

	runs := make([]*store.Run, len(payloads))
	reqs := make([]RunRequest, len(payloads))
	for i, payload := range payloads {
		run := &store.Run{
			ID:            uuid.NewString(),
			FlowID:        rec.FlowID,
			FlowVersionID: rec.ID,
			Status:        schema.RunStatusRunning,
		}
		if err := s.store.CreateRun(ctx, run); err != nil {
			return nil, PoolMetrics{}, err
		}
		if err := s.fsm.Started(ctx, run.ID, map[string]any{"flow_version_id": rec.ID, "batch_index": i}); err != nil {
			return nil, PoolMetrics{}, err
		}
		runs[i] = run
		reqs[i] = RunRequest{
			RunID:          run.ID,
			Flow:           &rec.Definition,
			TriggerPayload: payload,
			Constants:      s.scoped(c, rec),
		}
	}

	b := NewBatchRunner(s.engine, concurrency)
	defer b.Close()
	results := b.RunAll(ctx, reqs)

	var errs []error
	for i, res := range results {
		if err := s.persist(ctx, runs[i], res); err != nil {
			errs = append(errs, err)
		}
	}
	return results, b.Metrics(), errors.Join(errs...)
}

// Resume continues a PAUSED run. The paused step is re-executed with payload
// as its resume payload; completed steps are skipped.
func (s *Service) Resume(ctx context.Context, runID string, payload any, c EngineConstants) (*RunResult, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s, only PAUSED runs can be resumed", runID, run.Status)
	}
	steps, err := decodeSteps(run.Steps)
	if err != nil {
		return nil, err
	}

	if err := s.reopen(ctx, run, store.RunUpdate{PauseMetadata: json.RawMessage("null")}); err != nil {
		return nil, err
	}

	c.ResumePayload = payload
	return s.rerun(ctx, run, steps, c)
}

// RetryFromFailed re-executes a FAILED, TIMEOUT or INTERNAL_ERROR run from its
// failed step. Outputs of steps that succeeded are kept and not run again.
func (s *Service) RetryFromFailed(ctx context.Context, runID string, c EngineConstants) (*RunResult, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case schema.RunStatusFailed, schema.RunStatusTimeout, schema.RunStatusInternalError:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s, only failed runs can be retried", runID, run.Status)
	}
	steps, err := decodeSteps(run.Steps)
	if err != nil {
		return nil, err
	}
	steps = pruneFailed(steps)

	raw, err := json.Marshal(steps)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "encode steps").WithCause(err)
	}
	if err := s.reopen(ctx, run, store.RunUpdate{Steps: raw, Error: json.RawMessage("null")}); err != nil {
		return nil, err
	}
	return s.rerun(ctx, run, steps, c)
}

// TestStep executes a single step of a flow version without recording a run.
// When fromRunID is set, that run's outputs are visible to the step's mentions.
func (s *Service) TestStep(ctx context.Context, flowVersionID, stepName, fromRunID string, payload any, c EngineConstants) (*RunResult, error) {
	rec, err := s.store.GetFlowVersion(ctx, flowVersionID)
	if err != nil {
		return nil, err
	}
	var steps execution.Steps
	if fromRunID != "" {
		run, err := s.store.GetRun(ctx, fromRunID)
		if err != nil {
			return nil, err
		}
		if steps, err = decodeSteps(run.Steps); err != nil {
			return nil, err
		}
	}
	c = s.scoped(c, rec)
	c.StepNameToTest = stepName
	return s.engine.Run(ctx, RunRequest{
		Flow:           &rec.Definition,
		TriggerPayload: payload,
		Steps:          steps,
		Constants:      c,
	})
}

// RunTrace returns the flow version a run executed together with its
// recorded step outputs.
func (s *Service) RunTrace(ctx context.Context, runID string) (*schema.FlowVersion, execution.Steps, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.store.GetFlowVersion(ctx, run.FlowVersionID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := decodeSteps(run.Steps)
	if err != nil {
		return nil, nil, err
	}
	return &rec.Definition, steps, nil
}

// FlowVersion returns one stored flow version.
func (s *Service) FlowVersion(ctx context.Context, id string) (*store.FlowVersionRecord, error) {
	return s.store.GetFlowVersion(ctx, id)
}

// FlowVersions lists the stored versions of flowID, oldest first.
func (s *Service) FlowVersions(ctx context.Context, flowID string) ([]*store.FlowVersionRecord, error) {
	return s.store.ListFlowVersions(ctx, flowID)
}

func (s *Service) Get(ctx context.Context, runID string) (*store.Run, error) {
	return s.store.GetRun(ctx, runID)
}

func (s *Service) List(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// Timeline rebuilds per-step lifecycles from the run's event log.
func (s *Service) Timeline(ctx context.Context, runID string) (map[string]*store.StepTimeline, error) {
	return s.events.ReplayEvents(ctx, runID)
}

func (s *Service) Events(ctx context.Context, runID string) ([]*store.Event, error) {
	return s.events.GetEvents(ctx, runID, 0)
}

// EventsByType lists events of one type across runs, narrowed by filter.
func (s *Service) EventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	return s.events.GetEventsByType(ctx, eventType, filter)
}

func (s *Service) reopen(ctx context.Context, run *store.Run, update store.RunUpdate) error {
	if err := s.fsm.Transition(ctx, run.ID, run.Status, schema.RunStatusRunning, nil); err != nil {
		return err
	}
	running := schema.RunStatusRunning
	update.Status = &running
	if err := s.store.UpdateRun(ctx, run.ID, update); err != nil {
		return err
	}
	run.Status = running
	return nil
}

func (s *Service) rerun(ctx context.Context, run *store.Run, steps execution.Steps, c EngineConstants) (*RunResult, error) {
	rec, err := s.store.GetFlowVersion(ctx, run.FlowVersionID)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Run(ctx, RunRequest{
		RunID:     run.ID,
		Flow:      &rec.Definition,
		Steps:     steps,
		Tasks:     run.Tasks,
		Constants: s.scoped(c, rec),
	})
	if err != nil {
		return nil, err
	}
	res.DurationMs += run.DurationMs
	return res, s.persist(ctx, run, res)
}

// encodeField marshals an optional run field. A value that cannot be encoded
// is logged and left unset.
func (s *Service) encodeField(ctx context.Context, runID, field string, v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.WarnContext(ctx, "run field not persisted", "run_id", runID, "field", field, "error", err)
		return nil
	}
	return raw
}

// persist moves the run to the result status and writes the trace. It uses a
// context detached from cancellation so cancelled runs are still recorded.
func (s *Service) persist(ctx context.Context, run *store.Run, res *RunResult) error {
	ctx = context.WithoutCancel(ctx)

	var eventPayload any
	if res.Error != nil {
		eventPayload = res.Error
	}
	if err := s.fsm.Transition(ctx, run.ID, run.Status, res.Status, eventPayload); err != nil {
		return err
	}

	steps, err := json.Marshal(res.Steps)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode steps").WithCause(err)
	}
	update := store.RunUpdate{
		Status:     &res.Status,
		Steps:      steps,
		Tasks:      &res.Tasks,
		DurationMs: &res.DurationMs,
	}
	update.PauseMetadata = s.encodeField(ctx, run.ID, "pause_metadata", res.PauseMetadata)
	update.StopResponse = s.encodeField(ctx, run.ID, "stop_response", res.StopResponse)
	if res.Error != nil {
		update.Error = s.encodeField(ctx, run.ID, "error", res.Error)
	}
	if res.Status.IsFinal() {
		now := time.Now().UTC()
		update.FinishedAt = &now
	}
	if err := s.store.UpdateRun(ctx, run.ID, update); err != nil {
		return err
	}
	run.Status = res.Status
	s.logger.InfoContext(ctx, "run persisted", "run_id", run.ID, "status", res.Status)
	return nil
}

func (s *Service) scoped(c EngineConstants, rec *store.FlowVersionRecord) EngineConstants {
	c.FlowID = rec.FlowID
	c.FlowVersionID = rec.ID
	return c
}

func decodeSteps(raw json.RawMessage) (execution.Steps, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var steps execution.Steps
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode run steps").WithCause(err)
	}
	return steps, nil
}

// pruneFailed drops failed step outputs so they run again. Loops are kept with
// their finished iterations; only the failed entries inside them are dropped.
func pruneFailed(steps execution.Steps) execution.Steps {
	out := make(execution.Steps, 0, len(steps))
	for _, en := range steps {
		if en.Output.Status != schema.StepStatusFailed {
			out = append(out, en)
			continue
		}
		lo, ok := execution.DecodeLoopOutput(en.Output.Output)
		if en.Output.Type != string(schema.ActionTypeLoopOnItems) || !ok {
			continue
		}
		for i, it := range lo.Iterations {
			lo = lo.WithIteration(i, pruneFailed(it))
		}
		en.Output = en.Output.WithOutput(lo).WithStatus(schema.StepStatusRunning)
		en.Output.ErrorMessage = ""
		out = append(out, en)
	}
	return out
}

package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/pieces"
	"github.com/rendis/flowengine/internal/sandbox"
	"github.com/rendis/flowengine/internal/secrets"
	"github.com/rendis/flowengine/internal/store"
)

// PieceProvider looks up the action a PIECE step invokes.
// Satisfied by *pieces.Registry.
type PieceProvider interface {
	Get(piece, action string) (pieces.Action, error)
}

// InputValidator checks resolved piece props against the action's input schema.
// Satisfied by *validation.FlowValidator.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Engine interprets compiled flows. One Engine serves many concurrent runs;
// each run threads its own ExecutionContext and shares only the injected
// capabilities, which must be safe for concurrent use.
type Engine struct {
	pieces    PieceProvider
	code      sandbox.CodeRunner
	vault     secrets.Vault
	resolver  *expressions.Resolver
	cel       *expressions.CELEngine
	breakers  *CircuitBreakerRegistry
	validator InputValidator
	events    EventAppender
	logger    *slog.Logger
	sleep     Sleeper
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithPieces(p PieceProvider) Option { return func(e *Engine) { e.pieces = p } }

func WithCodeRunner(r sandbox.CodeRunner) Option { return func(e *Engine) { e.code = r } }

// WithVault enables {{connections.<name>}} mentions.
func WithVault(v secrets.Vault) Option { return func(e *Engine) { e.vault = v } }

func WithInputValidator(v InputValidator) Option { return func(e *Engine) { e.validator = v } }

// WithEventLog makes the engine append step events for every run.
func WithEventLog(a EventAppender) Option { return func(e *Engine) { e.events = a } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithSleeper replaces the wait between retry attempts.
func WithSleeper(s Sleeper) Option { return func(e *Engine) { e.sleep = s } }

func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(e *Engine) { e.breakers = NewCircuitBreakerRegistry(cfg) }
}

func withClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine. Without WithCodeRunner CODE steps fail; without
// WithPieces PIECE steps fail.
func New(opts ...Option) (*Engine, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cel:   cel,
		sleep: WaitForBackoff,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.breakers == nil {
		e.breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	e.resolver = expressions.NewResolver(e.vault)
	return e, nil
}

// Breakers exposes the per-action circuit breakers for diagnostics.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// emit appends a step event. Event log failures are logged and never fail the run.
func (e *Engine) emit(ctx context.Context, runID, stepName, eventType string, payload any) {
	if e.events == nil {
		return
	}
	ev := &store.Event{RunID: runID, StepName: stepName, Type: eventType}
	if payload != nil {
		raw, err := marshalPayload(payload)
		if err != nil {
			e.logger.WarnContext(ctx, "event payload not encodable", "event", eventType, "error", err)
		}
		ev.Payload = raw
	}
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "append event failed", "event", eventType, "error", err)
	}
}

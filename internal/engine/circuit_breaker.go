package engine

import (
	"sync"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per-action breakers guarding piece calls.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before letting a probe through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	Key                 string `json:"key"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

type circuitBreaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	lastFail time.Time
	probes   int
	config   CircuitBreakerConfig
}

// CircuitBreakerRegistry holds one breaker per piece action ("piece/action").
// It outlives single runs so repeated failures across runs open the circuit.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when a call to key may proceed, or a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		since := r.now().Sub(cb.lastFail)
		if since >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"piece action %s is unavailable after %d consecutive failures", key, cb.failures).
			WithDetails(map[string]any{
				"action":             key,
				"cooldown_remaining": (cb.config.Cooldown - since).String(),
			})

	case CircuitHalfOpen:
		if cb.probes >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"piece action %s is recovering, probe already in flight", key)
		}
		cb.probes++
	}
	return nil
}

// RecordSuccess closes the circuit for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probes = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure for key and returns the resulting state.
// Any failure while half-open reopens the circuit.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFail = r.now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state for key, moving an expired open circuit to half-open.
func (r *CircuitBreakerRegistry) State(key string) CircuitState {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFail) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}
	return cb.state
}

// Snapshot returns diagnostic information about the breaker for key.
func (r *CircuitBreakerRegistry) Snapshot(key string) BreakerSnapshot {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerSnapshot{
		Key:                 key,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		FailureThreshold:    cb.config.FailureThreshold,
		Cooldown:            cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) get(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{config: r.config}
		r.breakers[key] = cb
	}
	return cb
}

func breakerKey(piece, action string) string {
	return piece + "/" + action
}

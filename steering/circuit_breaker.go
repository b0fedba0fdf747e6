// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"axonflow/controlplane/shared/logger"
)

// CircuitBreakerState is the state of one path's breaker.
type CircuitBreakerState int

const (
	// CircuitClosed admits all calls.
	CircuitClosed CircuitBreakerState = iota

	// CircuitOpen rejects all calls until the recovery timeout elapses.
	CircuitOpen

	// CircuitHalfOpen admits a bounded number of probe calls.
	CircuitHalfOpen
)

// String returns the wire representation of the state.
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by Allow when the path rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds the breaker parameters shared by all paths.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// a closed circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// RecoveryTimeout is how long an open circuit rejects calls before
	// probing may begin.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`

	// HalfOpenMaxCalls bounds the probe calls in flight while half-open.
	HalfOpenMaxCalls int `json:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// DefaultCircuitBreakerConfig returns the production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// CircuitState is the externally visible snapshot of one path's breaker.
type CircuitState struct {
	State                 string    `json:"state"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	OpenedAt              time.Time `json:"opened_at,omitempty"`
	HalfOpenCallsInFlight int       `json:"half_open_calls_in_flight"`
}

// pathBreaker is the per-path state machine. The mutex is held only for
// state transitions, never across provider I/O.
type pathBreaker struct {
	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	forced              bool
	halfOpenCalls       atomic.Int32
}

// currentState applies the lazy OPEN to HALF_OPEN transition and returns the
// effective state. Callers must hold b.mu. Force-opened circuits stay open
// until Reset.
func (b *pathBreaker) currentState(cfg CircuitBreakerConfig, now time.Time, path string) CircuitBreakerState {
	if b.state == CircuitOpen && !b.forced && now.Sub(b.openedAt) >= cfg.RecoveryTimeout {
		b.state = CircuitHalfOpen
		b.halfOpenCalls.Store(0)
		promCircuitTransitions.WithLabelValues(path, CircuitHalfOpen.String()).Inc()
	}
	return b.state
}

// CircuitBreaker tracks one breaker per provider path. All methods are safe
// for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	log    *logger.Logger

	mu    sync.RWMutex
	paths map[string]*pathBreaker
}

// NewCircuitBreaker creates a circuit breaker registry. Zero config values
// fall back to the defaults.
func NewCircuitBreaker(config CircuitBreakerConfig, log *logger.Logger) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if log == nil {
		log = logger.New("circuit-breaker")
	}

	return &CircuitBreaker{
		config: config,
		log:    log,
		paths:  make(map[string]*pathBreaker),
	}
}

// breaker returns the state machine for path, creating it closed.
func (cb *CircuitBreaker) breaker(path string) *pathBreaker {
	cb.mu.RLock()
	b, ok := cb.paths[path]
	cb.mu.RUnlock()
	if ok {
		return b
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if b, ok := cb.paths[path]; ok {
		return b
	}
	b = &pathBreaker{}
	cb.paths[path] = b
	return b
}

// Config returns the active breaker parameters.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.config
}

// SetConfig replaces the breaker parameters. Existing path states are kept;
// the new thresholds apply from the next recorded outcome.
func (cb *CircuitBreaker) SetConfig(config CircuitBreakerConfig) error {
	if config.FailureThreshold <= 0 || config.RecoveryTimeout <= 0 || config.HalfOpenMaxCalls <= 0 {
		return NewError(ErrConfig, "circuit breaker parameters must be positive")
	}

	cb.mu.Lock()
	cb.config = config
	cb.mu.Unlock()
	return nil
}

// Allow reports whether a call on path may proceed. While half-open, at
// most HalfOpenMaxCalls probes are admitted concurrently.
func (cb *CircuitBreaker) Allow(path string) error {
	cfg := cb.Config()
	b := cb.breaker(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(cfg, time.Now(), path) {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		return ErrCircuitOpen
	default:
		if b.halfOpenCalls.Add(1) > int32(cfg.HalfOpenMaxCalls) {
			b.halfOpenCalls.Add(-1)
			return ErrCircuitOpen
		}
		return nil
	}
}

// RecordSuccess records a successful call outcome on path. A half-open
// success closes the circuit.
func (cb *CircuitBreaker) RecordSuccess(path string) {
	b := cb.breaker(path)

	b.mu.Lock()
	closedFromProbe := false
	switch b.state {
	case CircuitClosed:
		b.consecutiveFailures = 0
	case CircuitHalfOpen:
		b.state = CircuitClosed
		b.consecutiveFailures = 0
		b.openedAt = time.Time{}
		b.halfOpenCalls.Store(0)
		closedFromProbe = true
		promCircuitTransitions.WithLabelValues(path, CircuitClosed.String()).Inc()
	case CircuitOpen:
		// Outcome of a call admitted before the circuit opened. Ignore.
	}
	b.mu.Unlock()

	if closedFromProbe {
		cb.log.Info("", "", "Circuit closed after successful probe", map[string]interface{}{
			"path": path,
		})
	}
}

// RecordFailure records a failed call outcome on path. Reaching the failure
// threshold opens the circuit; any half-open failure reopens it.
func (cb *CircuitBreaker) RecordFailure(path string) {
	cfg := cb.Config()
	b := cb.breaker(path)

	b.mu.Lock()
	opened := false
	b.consecutiveFailures++
	switch b.state {
	case CircuitClosed:
		if b.consecutiveFailures >= cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = time.Now()
			opened = true
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = time.Now()
		b.halfOpenCalls.Store(0)
		opened = true
	case CircuitOpen:
	}
	failures := b.consecutiveFailures
	b.mu.Unlock()

	if opened {
		promCircuitTransitions.WithLabelValues(path, CircuitOpen.String()).Inc()
	}

	if opened {
		cb.log.Warn("", "", "Circuit opened", map[string]interface{}{
			"path":                 path,
			"consecutive_failures": failures,
			"recovery_timeout_ms":  cfg.RecoveryTimeout.Milliseconds(),
		})
	}
}

// ForceOpen opens the circuit on path and holds it open until Reset. Used
// by the emergency shutdown manager and the admin API.
func (cb *CircuitBreaker) ForceOpen(path string) {
	b := cb.breaker(path)

	b.mu.Lock()
	b.state = CircuitOpen
	b.openedAt = time.Now()
	b.forced = true
	b.halfOpenCalls.Store(0)
	b.mu.Unlock()

	promCircuitTransitions.WithLabelValues(path, CircuitOpen.String()).Inc()
	cb.log.Warn("", "", "Circuit force-opened", map[string]interface{}{
		"path": path,
	})
}

// Reset closes the circuit on path and clears its counters.
func (cb *CircuitBreaker) Reset(path string) {
	b := cb.breaker(path)

	b.mu.Lock()
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.forced = false
	b.halfOpenCalls.Store(0)
	b.mu.Unlock()

	promCircuitTransitions.WithLabelValues(path, CircuitClosed.String()).Inc()
	cb.log.Info("", "", "Circuit reset", map[string]interface{}{
		"path": path,
	})
}

// State returns the effective state of path. Paths without recorded calls
// report CLOSED.
func (cb *CircuitBreaker) State(path string) CircuitBreakerState {
	cfg := cb.Config()

	cb.mu.RLock()
	b, ok := cb.paths[path]
	cb.mu.RUnlock()
	if !ok {
		return CircuitClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(cfg, time.Now(), path)
}

// Snapshot returns the current state of every known path.
func (cb *CircuitBreaker) Snapshot() map[string]CircuitState {
	cfg := cb.Config()

	cb.mu.RLock()
	paths := make(map[string]*pathBreaker, len(cb.paths))
	for name, b := range cb.paths {
		paths[name] = b
	}
	cb.mu.RUnlock()

	now := time.Now()
	out := make(map[string]CircuitState, len(paths))
	for name, b := range paths {
		b.mu.Lock()
		state := b.currentState(cfg, now, name)
		out[name] = CircuitState{
			State:                 state.String(),
			ConsecutiveFailures:   b.consecutiveFailures,
			OpenedAt:              b.openedAt,
			HalfOpenCallsInFlight: int(b.halfOpenCalls.Load()),
		}
		b.mu.Unlock()
	}
	return out
}

// MaxConsecutiveFailures returns the highest consecutive failure count
// across all paths. Feeds the emergency shutdown auto-trigger.
func (cb *CircuitBreaker) MaxConsecutiveFailures() int {
	cb.mu.RLock()
	paths := make([]*pathBreaker, 0, len(cb.paths))
	for _, b := range cb.paths {
		paths = append(paths, b)
	}
	cb.mu.RUnlock()

	max := 0
	for _, b := range paths {
		b.mu.Lock()
		if b.consecutiveFailures > max {
			max = b.consecutiveFailures
		}
		b.mu.Unlock()
	}
	return max
}

// Package resilience keeps one misbehaving voice backend from dragging the
// bridge down with it. Call setup and the pipeline stages all cross the
// network to third-party services; a [CircuitBreaker] per backend stops the
// bridge from hammering one that keeps failing, and [FallbackGroup] chains
// backends of the same kind so a call degrades to the next candidate
// instead of dropping.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is open and its cool-down has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call. This is the normal mode.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen]. The breaker
	// trips into this mode after too many consecutive failures and stays
	// there for the cool-down.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls after the
	// cool-down. The probes decide whether the breaker closes or re-opens.
	StateHalfOpen
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes one breaker. The session connector keys its
// breakers "tenant/provider" ("acme/openai"); pipeline stage groups use the
// backend name ("whisper", "coqui").
type CircuitBreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker open.
	// Default 5.
	MaxFailures int

	// ResetTimeout is the cool-down an open breaker serves before letting
	// probe calls through again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls admitted while half-open: that
	// many successes close the breaker, a single failure re-opens it.
	// Default 3.
	HalfOpenMax int
}

// CircuitBreaker is a three-state breaker guarding calls to one voice
// backend. It is safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	openedAt  time.Time
	probes    int // calls admitted this half-open round
	probeWins int // successes this half-open round
}

// NewCircuitBreaker builds a breaker, defaulting any zero config field.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker refuses the call. fn's error is
// returned unchanged so callers can unwrap backend errors; a refused call
// returns [ErrCircuitOpen] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	cb.settle(probing, err)
	return err
}

// admit decides whether a call may proceed, flipping open to half-open
// once the cool-down has lapsed. probing reports whether the call counts
// against the half-open budget.
func (cb *CircuitBreaker) admit() (probing, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeWins = 0
		slog.Info("breaker half-open, probing backend", "backend", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false, false
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, true
	}
	return false, true
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		if probing {
			// One failed probe buys the backend a full new cool-down.
			cb.state = StateOpen
			cb.openedAt = cb.now()
			slog.Warn("breaker re-opened, probe failed", "backend", cb.name)
			return
		}
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			slog.Warn("breaker opened, backend failing",
				"backend", cb.name,
				"consecutive_failures", cb.failures)
		}
		return
	}

	if probing {
		cb.probeWins++
		if cb.state == StateHalfOpen && cb.probeWins >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("breaker closed, backend recovered", "backend", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State reports the breaker's mode. An open breaker whose cool-down has
// lapsed reports half-open; the real transition happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears every counter, skipping the
// cool-down. Useful after a tenant's backend credentials were fixed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeWins = 0
	slog.Info("breaker manually reset", "backend", cb.name)
}

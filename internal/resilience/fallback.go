package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed means every backend in a [FallbackGroup] either failed or
// had an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the breaker template applied to every backend in a
// group. The group stamps each backend's own name into its breaker.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// fallbackEntry is one backend in the chain with its dedicated breaker.
type fallbackEntry[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// FallbackGroup chains same-kind backends (all STT, all LLM, or all TTS)
// in preference order. A call tries the primary first and walks down the
// chain past failures and open breakers, so an utterance can still be
// transcribed or spoken when the tenant's preferred backend is down.
//
// Register every backend before the first call; after that the group is
// safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup starts a group with primary at the head of the chain.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, backend T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute walks the chain until fn succeeds against some backend. When
// every backend fails, the last error is wrapped in [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(backend T) (struct{}, error) {
		return struct{}{}, fn(backend)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a free function because methods cannot introduce type
// parameters.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.entries {
		e := &fg.entries[i]
		var result R
		err := e.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(e.backend)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, breaker open", "backend", e.name)
		} else {
			slog.Warn("backend failed, falling through",
				"backend", e.name, "error", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

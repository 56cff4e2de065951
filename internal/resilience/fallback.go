package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for the per-entry breakers. Its Name is
	// replaced with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// OnFailure, if set, is called for every entry that returns an error other
	// than a cancellation or an open circuit.
	OnFailure func(name string, err error)
}

// fallbackEntry pairs a value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback values of the same
// type. When the primary fails (or its circuit breaker is open), the next
// healthy fallback is tried in registration order.
//
// Entries must be registered before the group is shared between goroutines;
// Execute itself is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback. Fallbacks are tried in the order they are
// added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.name
	}
	return out
}

// Primary returns the first registered value.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Execute tries fn against each entry in order until one succeeds. Entries
// with an open breaker are skipped. It stops early when ctx is done. Returns
// [ErrAllFailed] wrapped with the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a value.
// It is a package-level function because methods cannot have type parameters.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(ctx, entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		case isCancellation(err) && ctx.Err() != nil:
			return zero, err
		default:
			slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
			if fg.cfg.OnFailure != nil {
				fg.cfg.OnFailure(entry.name, err)
			}
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

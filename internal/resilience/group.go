package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Group] fails or has an
// open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// GroupConfig configures the per-entry breaker created for each provider in
// a [Group].
type GroupConfig struct {
	Breaker Config
}

type groupEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group wraps a primary and zero or more fallbacks of one provider type.
// Entries are tried in registration order; entries with an open breaker are
// skipped. Safe for concurrent use once assembled.
type Group[T any] struct {
	entries []groupEntry[T]
	cfg     GroupConfig
}

// NewGroup creates a [Group] with primary as the first entry.
func NewGroup[T any](primary T, primaryName string, cfg GroupConfig) *Group[T] {
	bCfg := cfg.Breaker
	bCfg.Name = primaryName
	return &Group[T]{
		entries: []groupEntry[T]{{
			name:    primaryName,
			value:   primary,
			breaker: NewBreaker(bCfg),
		}},
		cfg: cfg,
	}
}

// AddFallback appends a fallback provider, tried after all earlier entries.
func (g *Group[T]) AddFallback(name string, fallback T) {
	bCfg := g.cfg.Breaker
	bCfg.Name = name
	g.entries = append(g.entries, groupEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewBreaker(bCfg),
	})
}

// Primary returns the first entry's provider.
func (g *Group[T]) Primary() T {
	return g.entries[0].value
}

// Try runs fn against each entry in order until one succeeds. Returns
// [ErrAllFailed] wrapping the last error when every entry fails.
func (g *Group[T]) Try(fn func(T) error) error {
	var lastErr error
	for i := range g.entries {
		entry := &g.entries[i]
		err := entry.breaker.Do(func() error { return fn(entry.value) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping provider with open breaker", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// TryResult runs fn against each entry until one succeeds, returning the
// result. Package-level because Go does not support method type parameters.
func TryResult[T any, R any](g *Group[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	var zero R
	for i := range g.entries {
		entry := &g.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping provider with open breaker", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// Package resilience shields the voice pipeline from flapping vendors.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). [Group] composes several instances of one
// provider type behind per-entry breakers so a failing primary STT, TTS, or
// LLM backend is bypassed in favour of a healthy fallback.
//
// Context cancellation never counts as a provider failure: barge-in cancels
// in-flight vendor calls constantly, and a breaker that tripped on user
// behaviour would take a healthy vendor out of rotation.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] when the breaker is open and
// the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed is the normal state: calls pass through.
	Closed State = iota

	// Open rejects calls immediately until the cooldown elapses.
	Open

	// HalfOpen admits a limited number of probe calls; success closes the
	// breaker, failure re-opens it.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker]. Zero values get defaults.
type Config struct {
	// Name labels the breaker in log output.
	Name string

	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting probes.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is the number of half-open probe calls. Default: 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probes    int

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probeCalls  int
	probeFails  int
}

// NewBreaker creates a [Breaker], filling zero config fields with defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.ProbeBudget,
	}
}

// Do runs fn if the breaker admits the call. Open breakers return
// [ErrBreakerOpen] without invoking fn. Errors caused by context
// cancellation pass through without affecting breaker accounting.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = HalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		slog.Info("breaker admitting probes", "name", b.name)

	case HalfOpen:
		if b.probeCalls >= b.probes {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	probing := b.state == HalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The caller walked away; this says nothing about vendor health.
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		b.probeFails++
		b.state = Open
		b.failures = b.threshold
		slog.Warn("breaker re-opened after failed probe", "name", b.name)
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
		slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = Closed
			b.failures = 0
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's state. An open breaker whose cooldown has
// elapsed reports HalfOpen; the actual transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailure) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probeCalls = 0
	b.probeFails = 0
}

// Package resilience guards the external dependencies of a running session:
// the preference backend and the speech synthesisers.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [Chain] tries an ordered list of equivalent dependencies, each behind its
// own breaker. [GuardBackend] and [NewEngineChain] apply them to
// prefs.Backend and speech.Engine.
//
// Cancellation is never counted as a failure: an utterance stopped by the
// user or a request whose context ended says nothing about the health of
// the dependency.
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

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One
	// failure re-opens the breaker; enough successes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig holds the tuning knobs of a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before it probes.
	// Default: 30s.
	ResetTimeout time.Duration

	// Probes is the number of successful half-open calls needed to close the
	// breaker. At most this many probes run at once. Default: 1.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	return c
}

// BreakerOption configures a [Breaker].
type BreakerOption func(*Breaker)

// WithClock replaces time.Now. Tests use it to step over the reset timeout.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers fn to run after every transition. fn runs without
// the breaker's lock held.
func OnStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(name string, from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker creates a closed [Breaker]. Zero config fields take their
// defaults.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn if the breaker allows it and records the outcome. A rejected
// call returns [ErrOpen] without running fn. Errors wrapping
// context.Canceled or context.DeadlineExceeded pass through unrecorded.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

// admit decides whether a call may proceed and reserves a probe slot in the
// half-open state.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cfg.ResetTimeout)) {
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.inFlight, b.successes = 0, 0
	}
	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		return false, ErrOpen
	case StateHalfOpen:
		if b.inFlight >= b.cfg.Probes {
			b.mu.Unlock()
			b.notify(changed, from, StateHalfOpen)
			return false, ErrOpen
		}
		b.inFlight++
		probe = true
	}
	b.mu.Unlock()
	b.notify(changed, from, StateHalfOpen)
	return probe, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.inFlight--
	}
	switch {
	case isCancellation(err):
		// Neither success nor failure.
	case err != nil:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.state = StateClosed
			b.failures = 0
		}
	default:
		b.failures = 0
	}
	to, failures := b.state, b.failures
	b.mu.Unlock()

	if from != to {
		if to == StateOpen {
			slog.Warn("resilience: circuit opened", "name", b.cfg.Name, "consecutive_failures", failures, "err", err)
		} else {
			slog.Info("resilience: circuit state changed", "name", b.cfg.Name, "from", from, "to", to)
		}
	}
	b.notify(from != to, from, to)
}

func (b *Breaker) notify(changed bool, from, to State) {
	if changed && b.onChange != nil {
		b.onChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cfg.ResetTimeout)) {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.inFlight, b.successes = 0, 0, 0
	b.mu.Unlock()
	b.notify(from != StateClosed, from, StateClosed)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

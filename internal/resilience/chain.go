package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every member of a [Chain] failed or was
// skipped because its breaker is open.
var ErrExhausted = errors.New("resilience: all members failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds interchangeable values in preference order, each behind its
// own [Breaker]. Members are fixed at construction.
type Chain[T any] struct {
	members []member[T]
}

// Named pairs a chain member with its log name.
type Named[T any] struct {
	Name  string
	Value T
}

// NewChain creates a Chain trying members in the given order. cfg is used
// for every member's breaker; its Name is replaced by the member name.
func NewChain[T any](cfg BreakerConfig, members []Named[T], opts ...BreakerOption) *Chain[T] {
	c := &Chain[T]{members: make([]member[T], 0, len(members))}
	for _, m := range members {
		bc := cfg
		bc.Name = m.Name
		c.members = append(c.members, member[T]{
			name:    m.Name,
			value:   m.Value,
			breaker: NewBreaker(bc, opts...),
		})
	}
	return c
}

// Len returns the number of members.
func (c *Chain[T]) Len() int { return len(c.members) }

// Each calls fn for every member regardless of breaker state.
func (c *Chain[T]) Each(fn func(name string, v T)) {
	for _, m := range c.members {
		fn(m.name, m.value)
	}
}

// States returns the breaker state of every member by name.
func (c *Chain[T]) States() map[string]State {
	out := make(map[string]State, len(c.members))
	for _, m := range c.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Do runs fn against each member in order until one succeeds. A
// cancellation error ends the walk and is returned unwrapped. When nothing
// succeeds the result wraps [ErrExhausted] and the last member error.
func (c *Chain[T]) Do(fn func(T) error) error {
	_, err := Call(c, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// Call is [Chain.Do] for functions that return a value.
func Call[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range c.members {
		m := &c.members[i]
		var out R
		err := m.breaker.Do(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case isCancellation(err):
			return zero, err
		case errors.Is(err, ErrOpen):
			slog.Debug("resilience: skipping member, circuit open", "member", m.name)
		default:
			slog.Warn("resilience: member failed, trying next", "member", m.name, "err", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		return zero, ErrExhausted
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

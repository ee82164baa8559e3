package resilience

import (
	"context"
	"io"

	"github.com/MrWong99/readaloud/internal/prefs"
)

// Backend wraps a [prefs.Backend] so that reads and writes fail fast while
// the underlying store is unreachable. prefs.Store turns a failed read into
// the defaults, so a session keeps working on defaults during an outage.
type Backend struct {
	inner   prefs.Backend
	breaker *Breaker
}

var (
	_ prefs.Backend = (*Backend)(nil)
	_ io.Closer     = (*Backend)(nil)
)

// GuardBackend wraps b with a breaker configured by cfg.
func GuardBackend(b prefs.Backend, cfg BreakerConfig, opts ...BreakerOption) *Backend {
	if cfg.Name == "" {
		cfg.Name = "preferences"
	}
	return &Backend{inner: b, breaker: NewBreaker(cfg, opts...)}
}

// Get implements [prefs.Backend].
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := b.breaker.Do(func() error {
		var err error
		value, ok, err = b.inner.Get(ctx, key)
		return err
	})
	return value, ok, err
}

// Set implements [prefs.Backend].
func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	return b.breaker.Do(func() error { return b.inner.Set(ctx, key, value) })
}

// Delete implements [prefs.Backend].
func (b *Backend) Delete(ctx context.Context, key string) error {
	return b.breaker.Do(func() error { return b.inner.Delete(ctx, key) })
}

// CompareAndDelete implements [prefs.Backend].
func (b *Backend) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	var deleted bool
	err := b.breaker.Do(func() error {
		var err error
		deleted, err = b.inner.CompareAndDelete(ctx, key, old)
		return err
	})
	return deleted, err
}

// Subscribe implements [prefs.Backend]. Notifications do not pass through
// the breaker.
func (b *Backend) Subscribe(key string, fn func()) func() {
	return b.inner.Subscribe(key, fn)
}

// State returns the breaker state.
func (b *Backend) State() State { return b.breaker.State() }

// Close closes the wrapped backend if it holds resources.
func (b *Backend) Close() error {
	if c, ok := b.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

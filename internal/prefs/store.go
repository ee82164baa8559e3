package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// DefaultKey is the storage slot holding the serialised preference record.
// External readers and writers must use the same key.
const DefaultKey = "readaloud:shared-state"

// Backend is a persistent key/value slot storage shared between contexts.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the stored value for key. ok is false when the key is
	// absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes key only while it still holds old. deleted
	// is false when the key is absent or holds another value.
	CompareAndDelete(ctx context.Context, key string, old []byte) (deleted bool, err error)

	// Subscribe registers fn to be called whenever another context changes
	// key. Changes made through this backend instance never trigger fn.
	Subscribe(key string, fn func()) (unsubscribe func())
}

// Store reads and writes the shared [Preferences] record through a
// [Backend]. Read never fails: a corrupted persisted value is discarded and
// the defaults are returned instead.
type Store struct {
	backend  Backend
	key      string
	defaults Preferences
}

// NewStore creates a Store for key (or [DefaultKey] if empty). defaults is
// laid over the built-in [Defaults] and fills every key that the persisted
// record does not carry.
func NewStore(backend Backend, key string, defaults Partial) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		backend:  backend,
		key:      key,
		defaults: Defaults().Overlay(defaults),
	}
}

// WithDefaults returns a Store on the same backend and key whose defaults
// are the receiver's defaults overlaid with p.
func (s *Store) WithDefaults(p Partial) *Store {
	return &Store{
		backend:  s.backend,
		key:      s.key,
		defaults: s.defaults.Overlay(p),
	}
}

// Key returns the storage slot name.
func (s *Store) Key() string { return s.key }

// Defaults returns the record used when nothing is persisted.
func (s *Store) Defaults() Preferences { return s.defaults.Clone() }

// Read returns the persisted record laid over the defaults. Storage errors
// are logged and yield the defaults. An undecodable value is deleted unless
// another context replaced it in the meantime.
func (s *Store) Read(ctx context.Context) Preferences {
	data, ok, err := s.backend.Get(ctx, s.key)
	if err != nil {
		slog.Warn("prefs: read shared state failed, using defaults", "key", s.key, "err", err)
		return s.Defaults()
	}
	if !ok {
		return s.Defaults()
	}
	p, err := decodePartial(data)
	if err != nil {
		slog.Warn("prefs: discarding corrupted shared state", "key", s.key, "err", err)
		if _, delErr := s.backend.CompareAndDelete(ctx, s.key, data); delErr != nil {
			slog.Warn("prefs: delete corrupted shared state", "key", s.key, "err", delErr)
		}
		return s.Defaults()
	}
	return s.defaults.Overlay(p)
}

// Write persists the full record, overwriting any previous value.
func (s *Store) Write(ctx context.Context, p Preferences) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("prefs: encode: %w", err)
	}
	if err := s.backend.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("prefs: write %q: %w", s.key, err)
	}
	return nil
}

// OnExternalChange calls fn with the freshly read record whenever another
// context writes the store's key. Writes made through this Store do not
// trigger fn.
func (s *Store) OnExternalChange(fn func(Preferences)) (unsubscribe func()) {
	return s.backend.Subscribe(s.key, func() {
		fn(s.Read(context.Background()))
	})
}

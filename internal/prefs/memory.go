package prefs

import (
	"bytes"
	"context"
	"slices"
	"sync"
)

// MemoryOrigin is an in-process storage area shared by any number of
// [Memory] contexts, the way one origin's storage is shared by its pages.
type MemoryOrigin struct {
	mu       sync.Mutex
	values   map[string][]byte
	contexts []*Memory
}

// NewMemoryOrigin returns an empty storage area.
func NewMemoryOrigin() *MemoryOrigin {
	return &MemoryOrigin{values: make(map[string][]byte)}
}

// NewContext returns a new [Backend] view on the origin. Writes through one
// context notify the subscribers of every other context.
func (o *MemoryOrigin) NewContext() *Memory {
	m := &Memory{origin: o, subs: make(map[string]map[int]func())}
	o.mu.Lock()
	o.contexts = append(o.contexts, m)
	o.mu.Unlock()
	return m
}

// SetExternal writes value as if a context outside this process did it:
// every context is notified.
func (o *MemoryOrigin) SetExternal(key string, value []byte) {
	o.write(nil, key, value, true)
}

func (o *MemoryOrigin) write(src *Memory, key string, value []byte, present bool) {
	o.mu.Lock()
	old, had := o.values[key]
	if present {
		o.values[key] = bytes.Clone(value)
	} else {
		delete(o.values, key)
	}
	changed := had != present || !bytes.Equal(old, value)
	contexts := slices.Clone(o.contexts)
	o.mu.Unlock()

	if changed {
		notifyContexts(contexts, src, key)
	}
}

// notifyContexts calls the key's subscribers in every context except src.
func notifyContexts(contexts []*Memory, src *Memory, key string) {
	for _, m := range contexts {
		if m == src {
			continue
		}
		for _, fn := range m.subscribers(key) {
			fn()
		}
	}
}

// Memory is one context's view on a [MemoryOrigin]. Change notifications are
// delivered synchronously on the writer's goroutine after the write is
// committed.
type Memory struct {
	origin *MemoryOrigin

	mu     sync.Mutex
	subs   map[string]map[int]func()
	nextID int
}

var _ Backend = (*Memory)(nil)

// Get implements [Backend].
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.origin.mu.Lock()
	defer m.origin.mu.Unlock()
	v, ok := m.origin.values[key]
	return bytes.Clone(v), ok, nil
}

// Set implements [Backend].
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.origin.write(m, key, value, true)
	return nil
}

// Delete implements [Backend].
func (m *Memory) Delete(_ context.Context, key string) error {
	m.origin.write(m, key, nil, false)
	return nil
}

// CompareAndDelete implements [Backend].
func (m *Memory) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	o := m.origin
	o.mu.Lock()
	cur, ok := o.values[key]
	if !ok || !bytes.Equal(cur, old) {
		o.mu.Unlock()
		return false, nil
	}
	delete(o.values, key)
	contexts := slices.Clone(o.contexts)
	o.mu.Unlock()

	notifyContexts(contexts, m, key)
	return true, nil
}

// Subscribe implements [Backend].
func (m *Memory) Subscribe(key string, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	if m.subs[key] == nil {
		m.subs[key] = make(map[int]func())
	}
	m.subs[key][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[key], id)
	}
}

func (m *Memory) subscribers(key string) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	fns := make([]func(), 0, len(m.subs[key]))
	for _, fn := range m.subs[key] {
		fns = append(fns, fn)
	}
	return fns
}

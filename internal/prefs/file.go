package prefs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultPollInterval is how often a [FileBackend] checks watched keys for
// changes made by other processes.
const defaultPollInterval = time.Second

// FileBackend stores each key in its own file below a directory. Processes
// sharing the directory see each other's writes: a background poller checks
// the files of subscribed keys and notifies subscribers when the content
// changes. Writes made through the same FileBackend are recognised by their
// hash and never reported back.
type FileBackend struct {
	dir      string
	interval time.Duration

	mu     sync.Mutex
	keys   map[string]*fileState
	nextID int

	done     chan struct{}
	stopOnce sync.Once
}

// fileState is the last known state of one key's file.
type fileState struct {
	subs    map[int]func()
	exists  bool
	hash    [sha256.Size]byte
	started bool
}

// FileOption configures a [FileBackend].
type FileOption func(*FileBackend)

// WithPollInterval sets the polling interval. The default is one second.
func WithPollInterval(d time.Duration) FileOption {
	return func(b *FileBackend) {
		if d > 0 {
			b.interval = d
		}
	}
}

// NewFileBackend creates dir if needed and starts polling in a background
// goroutine. Call [FileBackend.Close] to stop it.
func NewFileBackend(dir string, opts ...FileOption) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prefs: create state dir %q: %w", dir, err)
	}
	b := &FileBackend{
		dir:      dir,
		interval: defaultPollInterval,
		keys:     make(map[string]*fileState),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.poll()
	return b, nil
}

var _ Backend = (*FileBackend)(nil)

// Close stops the poller. Safe to call multiple times.
func (b *FileBackend) Close() error {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	return nil
}

// Get implements [Backend].
func (b *FileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("prefs: read %q: %w", key, err)
	}
	return data, true, nil
}

// Set implements [Backend]. The file is replaced atomically.
func (b *FileBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(key)
	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("prefs: write %q: %w", key, err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("prefs: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("prefs: write %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("prefs: write %q: %w", key, err)
	}

	// Remember what we wrote so the poller does not report it.
	st := b.state(key)
	st.exists = true
	st.hash = sha256.Sum256(value)
	st.started = true
	return nil
}

// Delete implements [Backend].
func (b *FileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("prefs: delete %q: %w", key, err)
	}
	st := b.state(key)
	st.exists = false
	st.hash = [sha256.Size]byte{}
	st.started = true
	return nil
}

// CompareAndDelete implements [Backend]. The file is first renamed aside so
// that only the content read afterwards is judged; a record written by
// another process in between is put back unless an even newer one exists.
func (b *FileBackend) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(key)
	aside := filepath.Join(b.dir, ".del-"+uuid.NewString())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("prefs: delete %q: %w", key, err)
	}
	defer os.Remove(aside)

	data, err := os.ReadFile(aside)
	if err != nil || !bytes.Equal(data, old) {
		// os.Link refuses to replace a file that appeared meanwhile.
		if linkErr := os.Link(aside, path); linkErr != nil && !errors.Is(linkErr, fs.ErrExist) {
			return false, fmt.Errorf("prefs: restore %q: %w", key, linkErr)
		}
		if err != nil {
			return false, fmt.Errorf("prefs: delete %q: %w", key, err)
		}
		return false, nil
	}

	st := b.state(key)
	st.exists = false
	st.hash = [sha256.Size]byte{}
	st.started = true
	return true, nil
}

// Subscribe implements [Backend].
func (b *FileBackend) Subscribe(key string, fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(key)
	if !st.started {
		b.snapshot(key, st)
	}
	id := b.nextID
	b.nextID++
	st.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(st.subs, id)
	}
}

// state returns the tracked state for key. Caller holds b.mu.
func (b *FileBackend) state(key string) *fileState {
	st, ok := b.keys[key]
	if !ok {
		st = &fileState{subs: make(map[int]func())}
		b.keys[key] = st
	}
	return st
}

// snapshot records the current file state as the baseline. Caller holds b.mu.
func (b *FileBackend) snapshot(key string, st *fileState) {
	st.started = true
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		st.exists = false
		return
	}
	st.exists = true
	st.hash = sha256.Sum256(data)
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, url.QueryEscape(key)+".json")
}

// poll runs in a background goroutine, checking subscribed keys periodically.
func (b *FileBackend) poll() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.checkAll()
		}
	}
}

func (b *FileBackend) checkAll() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.keys))
	for k, st := range b.keys {
		if len(st.subs) > 0 {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()

	for _, k := range keys {
		b.check(k)
	}
}

// check compares the content of key's file with the last known state and,
// if another process changed it, notifies the subscribers outside the lock.
// Every poll hashes the file; writes within one clock tick share an mtime.
func (b *FileBackend) check(key string) {
	path := b.path(key)

	b.mu.Lock()
	st := b.state(key)

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !st.exists {
			b.mu.Unlock()
			return
		}
		st.exists = false
		st.hash = [sha256.Size]byte{}
	case err != nil:
		b.mu.Unlock()
		slog.Warn("prefs: cannot read state file", "path", path, "err", err)
		return
	default:
		hash := sha256.Sum256(data)
		if st.exists && hash == st.hash {
			b.mu.Unlock()
			return
		}
		st.exists = true
		st.hash = hash
	}

	fns := make([]func(), 0, len(st.subs))
	for _, fn := range st.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	slog.Debug("prefs: shared state changed by another process", "key", key)
	for _, fn := range fns {
		fn()
	}
}

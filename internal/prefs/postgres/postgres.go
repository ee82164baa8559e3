// Package postgres provides a [prefs.Backend] stored in PostgreSQL.
//
// Values live in the shared_state table. Every write issues, in the same
// statement, a pg_notify on [Channel] carrying the key and the writer's
// origin ID. Each Backend holds a dedicated LISTEN connection and reports
// notifications from other origins to its subscribers. The listener reconnects with exponential
// backoff when the connection drops.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/readaloud/internal/prefs"
)

// Schema is the SQL DDL for the shared_state table. Execute it via
// [Backend.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS shared_state (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    origin     TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Channel is the notification channel used for change events.
const Channel = "readaloud_shared_state"

// Default reconnection parameters for the listener.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// DB is the database interface used for reads and writes. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ListenConn is the dedicated connection used for LISTEN. *pgx.Conn
// satisfies it.
type ListenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// ConnectFunc opens a new [ListenConn].
type ConnectFunc func(ctx context.Context) (ListenConn, error)

// Dial returns a [ConnectFunc] that opens a plain pgx connection to dsn.
func Dial(dsn string) ConnectFunc {
	return func(ctx context.Context) (ListenConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// notification is the JSON payload sent on [Channel].
type notification struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// Backend is a [prefs.Backend] stored in PostgreSQL. All methods are safe
// for concurrent use.
type Backend struct {
	db         DB
	connect    ConnectFunc
	origin     string
	backoff    time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	subs   map[string]map[int]func()
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
}

var _ prefs.Backend = (*Backend)(nil)

// Option configures a [Backend].
type Option func(*Backend)

// WithBackoff sets the initial and maximum delay between listener
// reconnection attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(b *Backend) {
		if initial > 0 {
			b.backoff = initial
		}
		if max > 0 {
			b.maxBackoff = max
		}
	}
}

// WithOrigin overrides the generated origin ID.
func WithOrigin(id string) Option {
	return func(b *Backend) {
		if id != "" {
			b.origin = id
		}
	}
}

// New creates a Backend. connect may be nil, in which case no change
// notifications are received. Call [Backend.Listen] to start the listener.
func New(db DB, connect ConnectFunc, opts ...Option) *Backend {
	b := &Backend{
		db:         db,
		connect:    connect,
		origin:     uuid.NewString(),
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
		subs:       make(map[string]map[int]func()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin returns the ID attached to this backend's notifications.
func (b *Backend) Origin() string { return b.origin }

// Migrate executes the [Schema] DDL.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("prefs/postgres: migrate: %w", err)
	}
	return nil
}

// Get implements [prefs.Backend].
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := b.db.QueryRow(ctx, `SELECT value FROM shared_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("prefs/postgres: get %q: %w", key, err)
	}
	return []byte(value), true, nil
}

// Set implements [prefs.Backend]. The upsert and its notification run as one
// statement, so siblings are notified exactly when the write commits.
func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	const query = `
		WITH upsert AS (
			INSERT INTO shared_state (key, value, origin, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, origin = EXCLUDED.origin, updated_at = now()
			RETURNING key
		)
		SELECT pg_notify($4, $5) FROM upsert`
	payload, err := b.payload(key)
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(ctx, query, key, string(value), b.origin, Channel, payload); err != nil {
		return fmt.Errorf("prefs/postgres: set %q: %w", key, err)
	}
	return nil
}

// Delete implements [prefs.Backend].
func (b *Backend) Delete(ctx context.Context, key string) error {
	const query = `
		WITH gone AS (DELETE FROM shared_state WHERE key = $1 RETURNING key)
		SELECT pg_notify($2, $3) FROM gone`
	payload, err := b.payload(key)
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(ctx, query, key, Channel, payload); err != nil {
		return fmt.Errorf("prefs/postgres: delete %q: %w", key, err)
	}
	return nil
}

// CompareAndDelete implements [prefs.Backend].
func (b *Backend) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	const query = `
		WITH gone AS (DELETE FROM shared_state WHERE key = $1 AND value = $2 RETURNING key)
		SELECT pg_notify($3, $4) FROM gone`
	payload, err := b.payload(key)
	if err != nil {
		return false, err
	}
	tag, err := b.db.Exec(ctx, query, key, string(old), Channel, payload)
	if err != nil {
		return false, fmt.Errorf("prefs/postgres: delete %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Subscribe implements [prefs.Backend].
func (b *Backend) Subscribe(key string, fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.subs[key] == nil {
		b.subs[key] = make(map[int]func())
	}
	b.subs[key][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[key], id)
	}
}

func (b *Backend) payload(key string) (string, error) {
	p, err := json.Marshal(notification{Key: key, Origin: b.origin})
	if err != nil {
		return "", fmt.Errorf("prefs/postgres: encode notification: %w", err)
	}
	return string(p), nil
}

// Listen starts the notification listener in a background goroutine. It
// keeps reconnecting until ctx is cancelled or [Backend.Close] is called.
func (b *Backend) Listen(ctx context.Context) {
	if b.connect == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.listenLoop(ctx)
	}()
}

// Close stops the listener and waits for it to exit.
func (b *Backend) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// listenLoop connects, listens and dispatches until ctx is done, backing off
// exponentially between failed attempts.
func (b *Backend) listenLoop(ctx context.Context) {
	currentBackoff := b.backoff
	attempt := 0
	for {
		err := b.listenOnce(ctx, func() {
			// A working connection resets the backoff.
			currentBackoff = b.backoff
			attempt = 0
		})
		if ctx.Err() != nil {
			return
		}
		attempt++
		slog.Warn("prefs/postgres: listener disconnected",
			"attempt", attempt,
			"backoff", currentBackoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > b.maxBackoff {
			currentBackoff = b.maxBackoff
		}
	}
}

// listenOnce runs one connection's lifetime. onListening is called once
// LISTEN succeeded.
func (b *Backend) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onListening()
	slog.Debug("prefs/postgres: listening for shared state changes", "channel", Channel, "origin", b.origin)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		b.dispatch(n.Payload)
	}
}

// dispatch decodes a payload and calls the key's subscribers unless the
// change came from this backend.
func (b *Backend) dispatch(payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		slog.Warn("prefs/postgres: ignoring malformed notification", "payload", payload, "err", err)
		return
	}
	if n.Origin == b.origin {
		return
	}

	b.mu.Lock()
	fns := make([]func(), 0, len(b.subs[n.Key]))
	for _, fn := range b.subs[n.Key] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

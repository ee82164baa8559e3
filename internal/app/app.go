// Package app wires the readaloud subsystems into a running application.
//
// New loads the page and builds the preference store, session manager and
// control API. Run starts the session, serves HTTP and keeps the live
// document in sync with the page file. Shutdown tears everything down in
// order.
//
// Tests inject doubles through functional options (WithCoordinatorFactory,
// WithMetrics, ...). Components not injected are built from the config.
package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/readaloud/internal/config"
	"github.com/MrWong99/readaloud/internal/content"
	"github.com/MrWong99/readaloud/internal/dom"
	"github.com/MrWong99/readaloud/internal/health"
	"github.com/MrWong99/readaloud/internal/observe"
	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/session"
	"github.com/MrWong99/readaloud/internal/speech"
	"github.com/MrWong99/readaloud/internal/web"
)

// ErrAlreadyRun is returned by a second call to [App.Run]. The HTTP server
// cannot be reused after shutdown, so an App runs once.
var ErrAlreadyRun = errors.New("app: already run")

const (
	readHeaderTimeout = 10 * time.Second
	httpShutdown      = 5 * time.Second
)

// Components holds the pluggable parts built by main via the config
// registry. A nil Engine means speech synthesis is unavailable.
type Components struct {
	Engine  speech.Engine
	Backend prefs.Backend
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	components *Components

	metrics        *observe.Metrics
	gatherer       prometheus.Gatherer
	newCoordinator session.NewCoordinatorFunc
	levelVar       *slog.LevelVar

	doc     *dom.Document
	store   *prefs.Store
	manager *session.Manager
	api     *web.Server
	server  *http.Server

	mu        sync.Mutex
	cfgLive   *config.Config
	pageMtime time.Time
	pageHash  [sha256.Size]byte
	addr      net.Addr
	listening chan struct{}
	ran       bool

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance instead of observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithCoordinatorFactory replaces the playback coordinator factory.
func WithCoordinatorFactory(f session.NewCoordinatorFunc) Option {
	return func(a *App) { a.newCoordinator = f }
}

// WithLevelVar lets config reloads change the log level of the handler
// that uses v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New loads the page named by cfg.Document.Path and wires the session
// manager, the preference store and the control API.
func New(ctx context.Context, cfg *config.Config, components *Components, opts ...Option) (*App, error) {
	if components == nil || components.Backend == nil {
		return nil, errors.New("app: a preference backend is required")
	}
	a := &App{
		cfg:        cfg,
		cfgLive:    cfg,
		components: components,
		listening:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	// ── 1. Page ──────────────────────────────────────────────────────────
	if err := a.loadPage(); err != nil {
		return nil, fmt.Errorf("app: load page: %w", err)
	}

	// ── 2. Preference store ──────────────────────────────────────────────
	a.store = prefs.NewStore(components.Backend, cfg.Store.Key, prefs.Partial{})
	if c, ok := components.Backend.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	a.manager = session.New(session.Config{
		Document:       a.doc,
		Engine:         components.Engine,
		Store:          a.store,
		Metrics:        a.metrics,
		NewCoordinator: a.newCoordinator,
	})

	// ── 4. Control API ───────────────────────────────────────────────────
	probes := health.New(
		health.Started("session", a.manager),
		health.Store(components.Backend, a.store.Key()),
	)
	a.api = web.New(a.manager,
		web.WithMetrics(a.metrics),
		web.WithHealth(probes),
		web.WithGatherer(a.gatherer),
	)
	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.api,
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}

	slog.Info("app: initialised",
		"page", cfg.Document.Path,
		"engine", engineName(components.Engine),
		"backend", cfg.Store.BackendName(),
	)
	return a, nil
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Document returns the live document.
func (a *App) Document() *dom.Document { return a.doc }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.api }

// Addr blocks until the HTTP listener is bound or ctx ends and returns its
// address. It returns nil when no listener is configured.
func (a *App) Addr(ctx context.Context) net.Addr {
	if a.server == nil {
		return nil
	}
	select {
	case <-a.listening:
	case <-ctx.Done():
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session manager, the HTTP server and the page reloader and
// blocks until ctx is cancelled or one of them fails. A host that lacks
// speech support is not an error: the API keeps serving and reports not
// ready. Run may be called only once; later calls return [ErrAlreadyRun].
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	ran := a.ran
	a.ran = true
	a.mu.Unlock()
	if ran {
		return ErrAlreadyRun
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := a.startSession(gctx); err != nil {
		return err
	}

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		a.mu.Lock()
		a.addr = ln.Addr()
		a.mu.Unlock()
		close(a.listening)
		slog.Info("app: http listening", "addr", ln.Addr().String())

		g.Go(func() error {
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.Serve(ln)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), httpShutdown)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if interval := a.cfg.Document.ReloadInterval; interval > 0 {
		g.Go(func() error {
			a.watchPage(gctx, interval)
			return nil
		})
	}

	slog.Info("app: running", "speeches", a.manager.Len())
	<-gctx.Done()
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// startSession starts the manager with options derived from the live
// config.
func (a *App) startSession(ctx context.Context) error {
	opts, err := a.sessionOptions()
	if err != nil {
		return err
	}
	err = a.manager.Start(ctx, opts)
	switch {
	case errors.Is(err, session.ErrSpeechSynthesisNotSupported), errors.Is(err, session.ErrSystemNotSupported):
		slog.Warn("app: read-aloud unavailable on this host", "reason", err)
		return nil
	case err != nil:
		return fmt.Errorf("app: start session: %w", err)
	}
	return nil
}

// restartSession stops the manager and starts it again with the live
// config.
func (a *App) restartSession(ctx context.Context) error {
	a.manager.Stop()
	return a.startSession(ctx)
}

func (a *App) sessionOptions() (session.Options, error) {
	a.mu.Lock()
	cfg := a.cfgLive
	a.mu.Unlock()

	opts := session.Options{
		ContentSelector:         cfg.Session.ContentSelector,
		Chunkify:                cfg.Session.Chunkify,
		UseDashicons:            cfg.Session.UseDashicons,
		DefaultUtteranceOptions: cfg.Session.DefaultUtteranceOptions,
		UserAgent:               cfg.Document.UserAgent,
	}
	if cfg.Session.SkipSystemCheck {
		opts.HasSystemSupport = func(string) bool { return true }
	}
	if sel := cfg.Session.RootSelector; sel != "" {
		m, err := content.Compile(sel)
		if err != nil {
			return opts, fmt.Errorf("app: root selector: %w", err)
		}
		var root *html.Node
		a.doc.Read(func() { root = cascadia.Query(a.doc.Root(), m) })
		if root == nil {
			return opts, fmt.Errorf("app: root selector %q matched nothing", sel)
		}
		opts.Root = root
	}
	return opts, nil
}

// ApplyConfig applies a reloaded config. Log level changes take effect
// immediately; session and document changes restart the session. Changes
// that need a process restart are logged.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) error {
	d := config.Diff(old, new)
	a.mu.Lock()
	a.cfgLive = new
	a.mu.Unlock()

	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config sections changed that need a restart", "sections", d.RestartRequired)
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(Level(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.DocumentChanged {
		if _, err := a.reloadPage(); err != nil {
			return fmt.Errorf("app: apply config: %w", err)
		}
	}
	if d.SessionChanged || d.DocumentChanged {
		if err := a.restartSession(ctx); err != nil {
			return fmt.Errorf("app: apply config: %w", err)
		}
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session, unloads the document and runs the closers.
// If ctx expires first, the remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		a.manager.Stop()
		a.doc.Unload()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// ─── Page loading ────────────────────────────────────────────────────────────

func (a *App) pagePath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfgLive.Document.Path
}

// loadPage parses the page file into a new document and marks it loaded.
func (a *App) loadPage() error {
	path := a.pagePath()
	data, mtime, err := readPage(path)
	if err != nil {
		return err
	}
	doc, err := dom.Parse(bytes.NewReader(data))
	if err != nil {
		return err
	}
	doc.SetReadyState(dom.Complete)

	a.mu.Lock()
	a.doc = doc
	a.pageMtime = mtime
	a.pageHash = sha256.Sum256(data)
	a.mu.Unlock()
	return nil
}

// watchPage polls the page file until ctx is done. A reloaded config may
// change the interval; zero pauses reloading.
func (a *App) watchPage(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := a.reloadInterval(); next != interval {
				if next <= 0 {
					continue
				}
				interval = next
				ticker.Reset(interval)
			}
			changed, err := a.reloadPage()
			if err != nil {
				slog.Warn("app: page reload failed", "path", a.pagePath(), "err", err)
				continue
			}
			if changed && a.rootSelector() != "" {
				// The old root may have been replaced.
				if err := a.restartSession(ctx); err != nil {
					slog.Warn("app: session restart after reload failed", "err", err)
				}
			}
		}
	}
}

func (a *App) reloadInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfgLive.Document.ReloadInterval
}

func (a *App) rootSelector() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfgLive.Session.RootSelector
}

// reloadPage re-reads the page file and, if its content changed, replaces
// the children of the live body with the new body's children. The session
// manager sees this as an ordinary mutation.
func (a *App) reloadPage() (bool, error) {
	path := a.pagePath()
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	unchanged := info.ModTime().Equal(a.pageMtime)
	a.mu.Unlock()
	if unchanged {
		return false, nil
	}

	data, mtime, err := readPage(path)
	if err != nil {
		return false, err
	}
	hash := sha256.Sum256(data)
	a.mu.Lock()
	same := hash == a.pageHash
	a.pageMtime = mtime
	a.mu.Unlock()
	if same {
		return false, nil
	}

	fresh, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	children := detachBodyChildren(fresh)
	body := a.doc.Body()
	if body == nil {
		return false, errors.New("live document has no body")
	}
	if err := a.doc.ReplaceChildren(body, children...); err != nil {
		return false, err
	}

	a.mu.Lock()
	a.pageHash = hash
	a.mu.Unlock()
	slog.Info("app: page reloaded", "path", path, "nodes", len(children))
	return true, nil
}

func readPage(path string) ([]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// detachBodyChildren removes and returns the children of the body element
// of a parsed document.
func detachBodyChildren(doc *html.Node) []*html.Node {
	body := dom.New(doc).Body()
	if body == nil {
		return nil
	}
	var out []*html.Node
	for c := body.FirstChild; c != nil; {
		next := c.NextSibling
		body.RemoveChild(c)
		out = append(out, c)
		c = next
	}
	return out
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// Level converts a config log level to a slog level. Empty means info.
func Level(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func engineName(e speech.Engine) string {
	switch e := e.(type) {
	case nil:
		return "(none)"
	case *speech.CommandEngine:
		return e.Flavor().String() + ":" + e.Binary()
	default:
		return fmt.Sprintf("%T", e)
	}
}

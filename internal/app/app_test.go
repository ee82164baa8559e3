package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/readaloud/internal/app"
	"github.com/MrWong99/readaloud/internal/config"
	"github.com/MrWong99/readaloud/internal/observe"
	"github.com/MrWong99/readaloud/internal/prefs"
	speechmock "github.com/MrWong99/readaloud/internal/speech/mock"
	"github.com/MrWong99/readaloud/internal/web"
)

const twoPosts = `<!DOCTYPE html><html><body><main id="main">
<div class="hentry"><div class="entry-content"><p>First post.</p></div></div>
<div class="hentry"><div class="entry-content"><p class="lead">Second post.</p></div></div>
</main>
<aside><div class="hentry"><div class="entry-content"><p>Sidebar.</p></div></div></aside>
</body></html>`

const fourPosts = `<!DOCTYPE html><html><body><main id="main">
<div class="hentry"><div class="entry-content"><p>One.</p></div></div>
<div class="hentry"><div class="entry-content"><p>Two.</p></div></div>
<div class="hentry"><div class="entry-content"><p>Three.</p></div></div>
<div class="hentry"><div class="entry-content"><p>Four.</p></div></div>
</main></body></html>`

// ─── helpers ─────────────────────────────────────────────────────────────────

// closingBackend records Close calls on top of an in-memory backend.
type closingBackend struct {
	prefs.Backend
	closed atomic.Int32
}

func (b *closingBackend) Close() error {
	b.closed.Add(1)
	return nil
}

func writePage(t *testing.T, path, html string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T, html string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.html")
	writePage(t, path, html, time.Now().Add(-time.Hour))
	return &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Document: config.DocumentConfig{Path: path},
		Session:  config.SessionConfig{SkipSystemCheck: true},
		Store:    config.StoreConfig{Backend: config.BackendMemory},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type harness struct {
	app     *app.App
	engine  *speechmock.Engine
	backend *closingBackend
	cancel  context.CancelFunc
	done    chan error
}

// start builds an App from cfg and runs it until the test ends.
func start(t *testing.T, cfg *config.Config, opts ...app.Option) *harness {
	t.Helper()
	h := &harness{
		engine:  &speechmock.Engine{},
		backend: &closingBackend{Backend: prefs.NewMemoryOrigin().NewContext()},
		done:    make(chan error, 1),
	}
	opts = append([]app.Option{
		app.WithMetrics(testMetrics(t)),
		app.WithGatherer(prometheus.NewRegistry()),
	}, opts...)

	a, err := app.New(context.Background(), cfg, &app.Components{Engine: h.engine, Backend: h.backend}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.app = a

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
		_ = a.Shutdown(context.Background())
	})
	eventually(t, "session started", a.Manager().Started)
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, twoPosts)
	if _, err := app.New(context.Background(), cfg, &app.Components{}); err == nil {
		t.Error("New without backend: want error")
	}

	missing := testConfig(t, twoPosts)
	missing.Document.Path = filepath.Join(t.TempDir(), "absent.html")
	components := &app.Components{Backend: prefs.NewMemoryOrigin().NewContext()}
	if _, err := app.New(context.Background(), missing, components); err == nil {
		t.Error("New with missing page: want error")
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_ServesSpeeches(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, twoPosts)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	h := start(t, cfg)

	if n := h.app.Manager().Len(); n != 3 {
		t.Fatalf("registered %d speeches, want 3", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	addr := h.app.Addr(ctx)
	if addr == nil {
		t.Fatal("listener never bound")
	}
	resp, err := http.Get("http://" + addr.String() + "/api/speeches")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var list []web.SpeechView
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 3 {
		t.Errorf("listed %d speeches, want 3", len(list))
	}

	h.cancel()
	select {
	case err := <-h.done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	h.done <- nil // consumed by cleanup
}

func TestRun_RootSelector(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, twoPosts)
	cfg.Session.RootSelector = "#main"
	h := start(t, cfg)

	if n := h.app.Manager().Len(); n != 2 {
		t.Errorf("registered %d speeches under #main, want 2", n)
	}
}

func TestRun_SecondCallFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, twoPosts)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	h := start(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if h.app.Addr(ctx) == nil {
		t.Fatal("listener never bound")
	}
	if err := h.app.Run(ctx); !errors.Is(err, app.ErrAlreadyRun) {
		t.Errorf("second Run = %v, want ErrAlreadyRun", err)
	}
}

func TestRun_RootSelectorMatchesNothing(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, twoPosts)
	cfg.Session.RootSelector = "#nowhere"
	a, err := app.New(context.Background(), cfg,
		&app.Components{Engine: &speechmock.Engine{}, Backend: prefs.NewMemoryOrigin().NewContext()},
		app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())
	if err := a.Run(context.Background()); err == nil {
		t.Error("Run with unmatched root: want error")
	}
}

func TestRun_WithoutEngineKeepsServing(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, twoPosts)
	a, err := app.New(context.Background(), cfg,
		&app.Components{Backend: prefs.NewMemoryOrigin().NewContext()},
		app.WithMetrics(testMetrics(t)),
		app.WithGatherer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		_ = a.Shutdown(context.Background())
	}()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	eventually(t, "healthz served", func() bool {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", resp.StatusCode)
	}
	if a.Manager().Started() {
		t.Error("manager started without an engine")
	}
}

// ─── page reload ─────────────────────────────────────────────────────────────

func TestPageReload_ReplacesRegions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, twoPosts)
	cfg.Document.ReloadInterval = 20 * time.Millisecond
	h := start(t, cfg)

	writePage(t, cfg.Document.Path, fourPosts, time.Now())
	eventually(t, "four speeches", func() bool { return h.app.Manager().Len() == 4 })
}

func TestPageReload_RootSelectorRestartsSession(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, twoPosts)
	cfg.Session.RootSelector = "#main"
	cfg.Document.ReloadInterval = 20 * time.Millisecond
	h := start(t, cfg)

	writePage(t, cfg.Document.Path, fourPosts, time.Now())
	eventually(t, "four speeches under the new root", func() bool {
		return h.app.Manager().Started() && h.app.Manager().Len() == 4
	})
}

// ─── config reload ───────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	cfg := testConfig(t, twoPosts)
	h := start(t, cfg, app.WithLevelVar(&level))

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Session.ContentSelector = "p.lead"
	if err := h.app.ApplyConfig(context.Background(), cfg, &next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
	if !h.app.Manager().Started() {
		t.Fatal("manager not running after session change")
	}
	if n := h.app.Manager().Len(); n != 1 {
		t.Errorf("registered %d speeches for p.lead, want 1", n)
	}
}

func TestApplyConfig_DocumentPath(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, twoPosts)
	h := start(t, cfg)

	next := *cfg
	next.Document.Path = filepath.Join(t.TempDir(), "other.html")
	writePage(t, next.Document.Path, fourPosts, time.Now())
	if err := h.app.ApplyConfig(context.Background(), cfg, &next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	eventually(t, "speeches from the new page", func() bool { return h.app.Manager().Len() == 4 })
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdown(t *testing.T) {
	t.Parallel()

	h := start(t, testConfig(t, twoPosts))
	h.cancel()

	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.app.Manager().Started() {
		t.Error("manager still running after Shutdown")
	}
	if got := h.backend.closed.Load(); got != 1 {
		t.Errorf("backend closed %d times, want 1", got)
	}
	if h.engine.Cancels() == 0 {
		t.Error("engine was not cancelled on shutdown")
	}

	// Idempotent.
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if got := h.backend.closed.Load(); got != 1 {
		t.Errorf("backend closed %d times after second Shutdown, want 1", got)
	}
}

func TestShutdown_DeadlineSkipsClosers(t *testing.T) {
	t.Parallel()

	h := start(t, testConfig(t, twoPosts))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
	if got := h.backend.closed.Load(); got != 0 {
		t.Errorf("backend closed %d times, want 0", got)
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func TestLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.Level(tt.in); got != tt.want {
			t.Errorf("Level(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

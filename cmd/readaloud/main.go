// Command readaloud loads an HTML page, attaches a read-aloud player to each
// of its content regions and serves a control API for them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/readaloud/internal/app"
	"github.com/MrWong99/readaloud/internal/config"
	"github.com/MrWong99/readaloud/internal/observe"
	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/prefs/postgres"
	"github.com/MrWong99/readaloud/internal/resilience"
	"github.com/MrWong99/readaloud/internal/speech"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "readaloud.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "readaloud: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "readaloud: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.Level(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("readaloud starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Component registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	components, err := buildComponents(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build components", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, components)

	application, err := app.New(ctx, cfg, components, app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			if err := application.ApplyConfig(ctx, old, new); err != nil {
				slog.Error("config reload failed", "err", err)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Component wiring ──────────────────────────────────────────────────────────

// registerBuiltins registers the engines and backends that ship with
// readaloud.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterEngine(config.EngineCommand, newCommandEngine)
	reg.RegisterEngine(config.EngineNone, func(config.SpeechConfig) (speech.Engine, error) {
		return nil, nil
	})

	reg.RegisterBackend(config.BackendMemory, func(context.Context, config.StoreConfig) (prefs.Backend, error) {
		return prefs.NewMemoryOrigin().NewContext(), nil
	})
	reg.RegisterBackend(config.BackendFile, func(_ context.Context, cfg config.StoreConfig) (prefs.Backend, error) {
		var opts []prefs.FileOption
		if cfg.PollInterval > 0 {
			opts = append(opts, prefs.WithPollInterval(cfg.PollInterval))
		}
		return prefs.NewFileBackend(cfg.Dir, opts...)
	})
	reg.RegisterBackend(config.BackendPostgres, newPostgresBackend)
}

// newCommandEngine builds the local synthesiser engine. With fallbacks
// configured the engines are chained behind circuit breakers. A host without
// any synthesiser yields a nil engine, which is not a configuration error.
func newCommandEngine(cfg config.SpeechConfig) (speech.Engine, error) {
	var members []resilience.Named[speech.Engine]
	if cfg.Binary == "" {
		if e := speech.Detect(); e != nil {
			members = append(members, resilience.Named[speech.Engine]{Name: e.Binary(), Value: e})
		}
	} else {
		e, err := speech.New(cfg.Binary)
		if err != nil {
			return nil, err
		}
		members = append(members, resilience.Named[speech.Engine]{Name: cfg.Binary, Value: e})
	}
	for _, bin := range cfg.Fallbacks {
		e, err := speech.New(bin)
		if err != nil {
			slog.Warn("fallback synthesiser unavailable", "binary", bin, "err", err)
			continue
		}
		members = append(members, resilience.Named[speech.Engine]{Name: bin, Value: e})
	}

	switch len(members) {
	case 0:
		return nil, nil
	case 1:
		return members[0].Value, nil
	}
	return resilience.NewEngineChain(breakerConfig(cfg.Breaker), members, recordTransitions()), nil
}

func breakerConfig(c config.BreakerConfig) resilience.BreakerConfig {
	return resilience.BreakerConfig{MaxFailures: c.MaxFailures, ResetTimeout: c.ResetTimeout}
}

func recordTransitions() resilience.BreakerOption {
	return resilience.OnStateChange(func(name string, _, to resilience.State) {
		observe.DefaultMetrics().RecordBreakerTransition(context.Background(), name, to.String())
	})
}

// pgBackend closes the connection pool together with the listener.
type pgBackend struct {
	*postgres.Backend
	pool *pgxpool.Pool
}

func (b *pgBackend) Close() error {
	err := b.Backend.Close()
	b.pool.Close()
	return err
}

func newPostgresBackend(ctx context.Context, cfg config.StoreConfig) (prefs.Backend, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	b := postgres.New(pool, postgres.Dial(cfg.PostgresDSN))
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	b.Listen(context.WithoutCancel(ctx))
	slog.Info("postgres preference backend connected", "origin", b.Origin())
	bc := breakerConfig(cfg.Breaker)
	bc.Name = "postgres"
	return resilience.GuardBackend(&pgBackend{Backend: b, pool: pool}, bc, recordTransitions()), nil
}

// buildComponents instantiates the configured engine and backend.
func buildComponents(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Components, error) {
	engine, err := reg.CreateEngine(cfg.Speech)
	if err != nil {
		return nil, fmt.Errorf("speech engine: %w", err)
	}
	backend, err := reg.CreateBackend(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("preference backend: %w", err)
	}
	return &app.Components{Engine: engine, Backend: backend}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, c *app.Components) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        readaloud: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Page            : %-19s ║\n", truncate(cfg.Document.Path, 19))
	if c.Engine != nil {
		fmt.Printf("║  Speech engine   : %-19s ║\n", cfg.Speech.EngineName())
	} else {
		fmt.Printf("║  Speech engine   : %-19s ║\n", "(unavailable)")
	}
	fmt.Printf("║  Preferences     : %-19s ║\n", cfg.Store.BackendName())
	if cfg.Document.ReloadInterval > 0 {
		fmt.Printf("║  Page reload     : %-19s ║\n", cfg.Document.ReloadInterval)
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	} else {
		fmt.Printf("║  Listen addr     : %-19s ║\n", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n+1:])
}

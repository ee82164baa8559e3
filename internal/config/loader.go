package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/readaloud/internal/content"
)

// KnownEngines lists the speech engines that ship with readaloud. Used by
// [Validate] to warn about unrecognised names.
var KnownEngines = []string{EngineCommand, EngineNone}

// Load reads the YAML configuration file at path and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg is coherent. It returns every failure found,
// joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	if cfg.Document.Path == "" {
		errs = append(errs, errors.New("document.path is required"))
	}
	if cfg.Document.ReloadInterval < 0 {
		errs = append(errs, fmt.Errorf("document.reload_interval %s must not be negative", cfg.Document.ReloadInterval))
	}

	if sel := cfg.Session.ContentSelector; sel != "" {
		if _, err := content.Compile(sel); err != nil {
			errs = append(errs, fmt.Errorf("session.content_selector: %w", err))
		}
	}
	if sel := cfg.Session.RootSelector; sel != "" {
		if _, err := content.Compile(sel); err != nil {
			errs = append(errs, fmt.Errorf("session.root_selector: %w", err))
		}
	}
	if sel := cfg.Session.Chunkify.ContainerSelector; sel != "" {
		if _, err := content.Compile(sel); err != nil {
			errs = append(errs, fmt.Errorf("session.chunkify.container_selector: %w", err))
		}
	}
	if cfg.Session.Chunkify.MaxChunkLength < 0 {
		errs = append(errs, fmt.Errorf("session.chunkify.max_chunk_length %d must not be negative", cfg.Session.Chunkify.MaxChunkLength))
	}
	d := cfg.Session.DefaultUtteranceOptions
	if d.Rate != nil && (*d.Rate < 0.1 || *d.Rate > 10) {
		errs = append(errs, fmt.Errorf("session.default_utterance_options.rate %.2f is out of range [0.1, 10]", *d.Rate))
	}
	if d.Pitch != nil && (*d.Pitch < 0 || *d.Pitch > 2) {
		errs = append(errs, fmt.Errorf("session.default_utterance_options.pitch %.2f is out of range [0, 2]", *d.Pitch))
	}

	if name := cfg.Speech.EngineName(); !slices.Contains(KnownEngines, name) {
		slog.Warn("config: unknown speech engine, may be a typo or third-party engine", "name", name, "known", KnownEngines)
	}

	for i, bin := range cfg.Speech.Fallbacks {
		if bin == "" {
			errs = append(errs, fmt.Errorf("speech.fallbacks[%d] is empty", i))
		}
	}
	errs = append(errs, validateBreaker("speech.breaker", cfg.Speech.Breaker)...)
	errs = append(errs, validateBreaker("store.breaker", cfg.Store.Breaker)...)

	switch b := cfg.Store.BackendName(); b {
	case BackendFile:
		if cfg.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required when backend is file"))
		}
	case BackendPostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required when backend is postgres"))
		}
	case BackendMemory:
		if cfg.Store.Dir != "" || cfg.Store.PostgresDSN != "" {
			slog.Warn("config: store.backend is memory; dir and postgres_dsn are ignored and preferences are not shared with other processes")
		}
	default:
		if !b.IsValid() {
			slog.Warn("config: unknown store backend, may be a third-party backend", "name", b)
		}
	}
	if cfg.Store.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("store.poll_interval %s must not be negative", cfg.Store.PollInterval))
	}

	return errors.Join(errs...)
}

func validateBreaker(field string, b BreakerConfig) []error {
	var errs []error
	if b.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("%s.max_failures %d must not be negative", field, b.MaxFailures))
	}
	if b.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.reset_timeout %s must not be negative", field, b.ResetTimeout))
	}
	return errs
}

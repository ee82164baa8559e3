// Package web serves the control API of a running session manager.
//
// Routes:
//
//	GET  /api/speeches               list registered speeches
//	GET  /api/speeches/{id}          one speech
//	POST /api/speeches/{id}/play     start or resume playback
//	POST /api/speeches/{id}/pause    pause playback
//	POST /api/speeches/{id}/stop     stop and rewind
//	GET  /api/preferences            effective shared preferences
//	PUT  /api/preferences            merge a partial record into them
//	GET  /api/events                 websocket stream of manager events
//	GET  /metrics                    Prometheus exposition
//	GET  /healthz, /readyz           probes
//
// Every route runs behind [observe.Middleware].
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/readaloud/internal/health"
	"github.com/MrWong99/readaloud/internal/observe"
	"github.com/MrWong99/readaloud/internal/playback"
	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/session"
)

// excerptLength bounds the text preview in speech listings, in runes.
const excerptLength = 80

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Player is the part of a coordinator the API drives. [playback.Speech]
// implements it; coordinators that do not are listed but cannot be
// controlled.
type Player interface {
	Play() error
	Pause() error
	Stop()
	State() playback.State
	Chunks() []playback.Chunk
	UseDashicons() bool
	ChangePreferences(p prefs.Preferences) error
}

var _ Player = (*playback.Speech)(nil)

// Server is the HTTP control surface.
type Server struct {
	manager  *session.Manager
	metrics  *observe.Metrics
	health   *health.Handler
	gatherer prometheus.Gatherer
	eventBuf int

	handler http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts the probe endpoints of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithGatherer sets the registry served on /metrics. The default is the
// global Prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithEventBuffer sets how many events a websocket client may lag behind
// before it is disconnected. The default is 64.
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventBuf = n
		}
	}
}

// New creates a Server for m.
func New(m *session.Manager, opts ...Option) *Server {
	s := &Server{
		manager:  m,
		gatherer: prometheus.DefaultGatherer,
		eventBuf: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New(health.Started("session", m))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/speeches", s.listSpeeches)
	mux.HandleFunc("GET /api/speeches/{id}", s.getSpeech)
	mux.HandleFunc("POST /api/speeches/{id}/{action}", s.controlSpeech)
	mux.HandleFunc("GET /api/preferences", s.getPreferences)
	mux.HandleFunc("PUT /api/preferences", s.putPreferences)
	mux.HandleFunc("GET /api/events", s.events)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.health.Register(mux)

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// SpeechView is the JSON representation of a registered speech.
type SpeechView struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Chunks       int    `json:"chunks"`
	Excerpt      string `json:"excerpt,omitempty"`
	UseDashicons bool   `json:"useDashicons"`
	Controllable bool   `json:"controllable"`
}

func view(sp session.Speech) SpeechView {
	v := SpeechView{ID: sp.ID, State: "unknown"}
	p, ok := sp.Coordinator.(Player)
	if !ok {
		return v
	}
	chunks := p.Chunks()
	v.State = p.State().String()
	v.Chunks = len(chunks)
	v.UseDashicons = p.UseDashicons()
	v.Controllable = true
	if len(chunks) > 0 {
		v.Excerpt = excerpt(chunks[0].Text)
	}
	return v
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= excerptLength {
		return s
	}
	return string(r[:excerptLength-1]) + "…"
}

func (s *Server) listSpeeches(w http.ResponseWriter, _ *http.Request) {
	out := make([]SpeechView, 0, s.manager.Len())
	for sp := range s.manager.Speeches() {
		out = append(out, view(sp))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSpeech(w http.ResponseWriter, r *http.Request) {
	sp, ok := s.manager.Lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "speech not found")
		return
	}
	writeJSON(w, http.StatusOK, view(sp))
}

func (s *Server) controlSpeech(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := observe.WithSpeech(r.Context(), id)
	sp, ok := s.manager.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "speech not found")
		return
	}
	p, ok := sp.Coordinator.(Player)
	if !ok {
		writeError(w, http.StatusNotImplemented, "speech cannot be controlled")
		return
	}

	var err error
	action := r.PathValue("action")
	switch action {
	case "play":
		err = p.Play()
	case "pause":
		err = p.Pause()
	case "stop":
		p.Stop()
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	if err != nil {
		observe.Logger(ctx).Debug("web: speech control refused", "action", action, "err", observe.Fail(ctx, err))
	}
	switch {
	case errors.Is(err, playback.ErrDestroyed):
		writeError(w, http.StatusGone, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view(sp))
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Preferences(r.Context()))
}

// putPreferences merges the partial record in the body into the current
// preferences. The change goes through a coordinator when one exists so the
// usual propagation applies.
func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	var patch prefs.Partial
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid preferences: "+err.Error())
		return
	}
	if (patch.Rate != nil && *patch.Rate <= 0) || (patch.Pitch != nil && *patch.Pitch < 0) {
		writeError(w, http.StatusBadRequest, "rate must be positive and pitch non-negative")
		return
	}

	next := s.manager.Preferences(r.Context()).Overlay(patch)
	if p := s.anyPlayer(); p != nil {
		if err := p.ChangePreferences(next); err == nil {
			writeJSON(w, http.StatusOK, next)
			return
		}
	}
	if err := s.manager.SetPreferences(r.Context(), next); err != nil {
		slog.Error("web: set preferences failed", "err", err)
		writeError(w, http.StatusInternalServerError, "could not store preferences")
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) anyPlayer() Player {
	for sp := range s.manager.Speeches() {
		if p, ok := sp.Coordinator.(Player); ok {
			return p
		}
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("web: encode response failed", "err", err)
	}
}

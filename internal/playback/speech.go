// Package playback implements the per-region playback coordinator.
//
// A [Speech] owns one content region. It splits the region's text into
// chunks, speaks them one after another through a [speech.Engine] and
// reports its activity and user preference changes as events. Events are
// delivered synchronously to subscribers on the goroutine that caused them,
// after the coordinator released its own lock, so subscribers may call back
// into any coordinator.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/net/html"

	"github.com/MrWong99/readaloud/internal/dom"
	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/speech"
)

// ErrDestroyed is returned by playback controls after [Speech.Destroy].
var ErrDestroyed = errors.New("playback: speech destroyed")

// State is the playback state of a coordinator.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Options configures a [Speech].
type Options struct {
	// ID identifies the coordinator in logs and the control API.
	ID string

	// Region is the content element to read aloud.
	Region *html.Node

	// Document guards reads of the region. May be nil for a detached tree.
	Document *dom.Document

	// Engine speaks the chunks.
	Engine speech.Engine

	// Preferences is the initial preference record.
	Preferences prefs.Preferences

	Chunkify     ChunkifyOptions
	UseDashicons bool
}

// Speech is the default playback coordinator. All methods are safe for
// concurrent use.
type Speech struct {
	id           string
	region       *html.Node
	doc          *dom.Document
	engine       speech.Engine
	chunkify     ChunkifyOptions
	useDashicons bool

	mu          sync.Mutex
	prefs       prefs.Preferences
	state       State
	chunks      []Chunk
	position    int
	initialized bool
	destroyed   bool
	generation  int
	cancel      context.CancelFunc
	events      emitter
}

// New creates a coordinator. It does nothing until [Speech.Initialize].
func New(opts Options) *Speech {
	return &Speech{
		id:           opts.ID,
		region:       opts.Region,
		doc:          opts.Document,
		engine:       opts.Engine,
		chunkify:     opts.Chunkify,
		useDashicons: opts.UseDashicons,
		prefs:        opts.Preferences.Clone(),
	}
}

// ID returns the coordinator ID.
func (s *Speech) ID() string { return s.id }

// Region returns the content element owned by the coordinator.
func (s *Speech) Region() *html.Node { return s.region }

// UseDashicons reports whether controls should use the dashicons icon font.
func (s *Speech) UseDashicons() bool { return s.useDashicons }

// Initialize reads the region and prepares the chunks. Calling it again has
// no effect.
func (s *Speech) Initialize() {
	s.mu.Lock()
	if s.initialized || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	s.mu.Unlock()

	var (
		chunks []Chunk
		err    error
	)
	read := func() { chunks, err = Chunkify(s.region, s.chunkify) }
	if s.doc != nil {
		s.doc.Read(read)
	} else {
		read()
	}
	if err != nil {
		slog.Warn("playback: chunkify failed", "speech", s.id, "err", err)
	}

	s.mu.Lock()
	s.chunks = chunks
	s.mu.Unlock()
	slog.Debug("playback: speech initialized", "speech", s.id, "chunks", len(chunks))
}

// Destroy cancels playback and drops every subscription. The coordinator
// cannot be used afterwards.
func (s *Speech) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.haltLocked()
	s.state = StateStopped
	s.position = 0
	s.events.clear()
	slog.Debug("playback: speech destroyed", "speech", s.id)
}

// Play starts or resumes playback from the current position.
func (s *Speech) Play() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.state == StatePlaying {
		s.mu.Unlock()
		return nil
	}
	if len(s.chunks) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("playback: speech %s has no text", s.id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.generation++
	gen := s.generation
	s.cancel = cancel
	s.state = StatePlaying
	start := s.position
	hs := s.events.handlers(KindPlaybackActiveChanged)
	s.mu.Unlock()

	// Subscribers hear about activation before the first chunk is spoken.
	dispatch(hs, EventPlaybackActiveChanged{Active: true})
	go s.run(ctx, gen, start)
	return nil
}

// Pause halts playback and keeps the position of the current chunk.
func (s *Speech) Pause() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.state != StatePlaying {
		s.mu.Unlock()
		return nil
	}
	s.haltLocked()
	s.state = StatePaused
	hs := s.events.handlers(KindPlaybackActiveChanged)
	s.mu.Unlock()

	dispatch(hs, EventPlaybackActiveChanged{Active: false})
	return nil
}

// Stop halts playback and rewinds to the first chunk. It never fails.
func (s *Speech) Stop() {
	s.mu.Lock()
	if s.destroyed || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	wasPlaying := s.state == StatePlaying
	s.haltLocked()
	s.state = StateStopped
	s.position = 0
	hs := s.events.handlers(KindPlaybackActiveChanged)
	s.mu.Unlock()

	if wasPlaying {
		dispatch(hs, EventPlaybackActiveChanged{Active: false})
	}
}

// SetPreferences replaces the preference record without emitting an event.
// Playback in progress picks up the change with the next chunk.
func (s *Speech) SetPreferences(p prefs.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = p.Clone()
}

// ChangePreferences replaces the preference record on behalf of the user
// and emits [EventPreferencesChanged].
func (s *Speech) ChangePreferences(p prefs.Preferences) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.prefs = p.Clone()
	hs := s.events.handlers(KindPreferencesChanged)
	s.mu.Unlock()

	dispatch(hs, EventPreferencesChanged{Preferences: p.Clone()})
	return nil
}

// Subscribe registers h for events of kind. The returned function removes
// the subscription and is safe to call more than once.
func (s *Speech) Subscribe(kind EventKind, h Handler) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return func() {}
	}
	id := s.events.add(kind, h)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.events.remove(id)
		})
	}
}

// State returns the current playback state.
func (s *Speech) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Preferences returns a copy of the current preference record.
func (s *Speech) Preferences() prefs.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs.Clone()
}

// Chunks returns the prepared chunks.
func (s *Speech) Chunks() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Position returns the index of the chunk being or next to be spoken.
func (s *Speech) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// haltLocked cancels the running playback loop. Caller holds s.mu.
func (s *Speech) haltLocked() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// run speaks chunks from start until the end, a failure or cancellation.
// gen guards against a loop that was superseded by Stop, Pause or a newer
// Play touching the state.
func (s *Speech) run(ctx context.Context, gen, start int) {
	var voices []speech.Voice
	if s.engine != nil {
		var err error
		if voices, err = s.engine.Voices(ctx); err != nil {
			slog.Debug("playback: voices unavailable", "speech", s.id, "err", err)
		}
	}

	failed := false
	for i := start; ; i++ {
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		if i >= len(s.chunks) {
			s.mu.Unlock()
			break
		}
		s.position = i
		u := utterance(s.chunks[i], s.prefs, voices)
		s.mu.Unlock()

		if s.engine == nil {
			failed = true
			break
		}
		if err := s.engine.Speak(ctx, u); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("playback: speak failed", "speech", s.id, "chunk", i, "err", err)
			failed = true
			break
		}
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.generation++
	s.cancel = nil
	s.state = StateStopped
	s.position = 0
	hs := s.events.handlers(KindPlaybackActiveChanged)
	s.mu.Unlock()

	slog.Debug("playback: speech finished", "speech", s.id, "failed", failed)
	dispatch(hs, EventPlaybackActiveChanged{Active: false})
}

// utterance builds the engine request for c under p.
func utterance(c Chunk, p prefs.Preferences, voices []speech.Voice) speech.Utterance {
	want, ok := p.Voice(c.Lang)
	if !ok {
		want, _ = p.Voice(speech.BaseLanguage(c.Lang))
	}
	voiceID := want
	if len(voices) > 0 {
		if v, ok := speech.MatchVoice(voices, want, c.Lang); ok {
			voiceID = v.ID
		}
	}
	return speech.Utterance{
		Text:    c.Text,
		Lang:    c.Lang,
		VoiceID: voiceID,
		Rate:    p.Rate,
		Pitch:   p.Pitch,
	}
}

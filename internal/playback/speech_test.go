package playback

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/MrWong99/readaloud/internal/dom"
	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/speech"
	"github.com/MrWong99/readaloud/internal/speech/mock"
)

// recorder collects events under a mutex.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 32)} }

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func region(t *testing.T, markup string) (*dom.Document, *html.Node) {
	t.Helper()
	doc, err := dom.ParseString(markup)
	if err != nil {
		t.Fatal(err)
	}
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == "region" {
				found = n
			}
		}
		for c := n.FirstChild; c != nil && found == nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc.Root())
	if found == nil {
		t.Fatal("no #region in markup")
	}
	return doc, found
}

func newSpeech(t *testing.T, engine speech.Engine) *Speech {
	t.Helper()
	doc, r := region(t, `<div id="region" lang="de"><p>Erster Satz.</p><p>Zweiter Satz.</p></div>`)
	s := New(Options{ID: "s1", Region: r, Document: doc, Engine: engine, Preferences: prefs.Defaults()})
	s.Initialize()
	return s
}

func TestSpeech_InitializeChunks(t *testing.T) {
	t.Parallel()
	s := newSpeech(t, &mock.Engine{})
	chunks := s.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Text != "Erster Satz." || chunks[0].Lang != "de" {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	s.Initialize()
	if len(s.Chunks()) != 2 {
		t.Error("second Initialize changed the chunks")
	}
}

func TestSpeech_PlaysToEnd(t *testing.T) {
	t.Parallel()
	eng := &mock.Engine{}
	s := newSpeech(t, eng)
	rec := newRecorder()
	s.Subscribe(KindPlaybackActiveChanged, rec.handle)

	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if ev := rec.next(t); ev != (EventPlaybackActiveChanged{Active: true}) {
		t.Fatalf("first event = %#v", ev)
	}
	if ev := rec.next(t); ev != (EventPlaybackActiveChanged{Active: false}) {
		t.Fatalf("second event = %#v", ev)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", s.State())
	}
	calls := eng.Calls()
	if len(calls) != 2 || calls[1].Text != "Zweiter Satz." {
		t.Errorf("spoken = %+v", calls)
	}
	if calls[0].Rate != prefs.DefaultRate || calls[0].Lang != "de" {
		t.Errorf("utterance = %+v", calls[0])
	}
}

func TestSpeech_StopWhilePlaying(t *testing.T) {
	t.Parallel()
	eng := &mock.Engine{Block: true}
	started := eng.Started()
	s := newSpeech(t, eng)
	rec := newRecorder()
	s.Subscribe(KindPlaybackActiveChanged, rec.handle)

	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	rec.next(t)
	<-started
	if s.State() != StatePlaying {
		t.Fatalf("state = %v", s.State())
	}

	s.Stop()
	if ev := rec.next(t); ev != (EventPlaybackActiveChanged{Active: false}) {
		t.Fatalf("event = %#v", ev)
	}
	if s.State() != StateStopped || s.Position() != 0 {
		t.Errorf("state = %v pos = %d", s.State(), s.Position())
	}

	// Stopping a stopped speech is silent.
	s.Stop()
	select {
	case ev := <-rec.ch:
		t.Errorf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSpeech_PauseKeepsPosition(t *testing.T) {
	t.Parallel()
	eng := &mock.Engine{Block: true}
	started := eng.Started()
	s := newSpeech(t, eng)

	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StatePaused {
		t.Fatalf("state = %v", s.State())
	}
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	u := <-started
	if u.Text != "Erster Satz." {
		t.Errorf("resumed at %q, want first chunk again", u.Text)
	}
	s.Destroy()
}

func TestSpeech_SetPreferencesDoesNotEmit(t *testing.T) {
	t.Parallel()
	s := newSpeech(t, &mock.Engine{})
	rec := newRecorder()
	s.Subscribe(KindPreferencesChanged, rec.handle)

	p := prefs.Preferences{Rate: 1.5, Pitch: 1}
	s.SetPreferences(p)
	if got := s.Preferences(); got.Rate != 1.5 {
		t.Errorf("Preferences() = %+v", got)
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}

	if err := s.ChangePreferences(p.WithVoice("de", "v1")); err != nil {
		t.Fatal(err)
	}
	ev, ok := rec.next(t).(EventPreferencesChanged)
	if !ok {
		t.Fatal("want EventPreferencesChanged")
	}
	if v, _ := ev.Preferences.Voice("de"); v != "v1" {
		t.Errorf("event preferences = %+v", ev.Preferences)
	}
}

func TestSpeech_UnsubscribeAndDestroy(t *testing.T) {
	t.Parallel()
	s := newSpeech(t, &mock.Engine{})
	rec := newRecorder()
	unsub := s.Subscribe(KindPreferencesChanged, rec.handle)
	unsub()
	unsub()

	_ = s.ChangePreferences(prefs.Defaults())
	if n := len(rec.all()); n != 0 {
		t.Errorf("events after unsubscribe = %d", n)
	}

	s.Destroy()
	s.Destroy()
	if err := s.Play(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Play after Destroy = %v", err)
	}
	if err := s.ChangePreferences(prefs.Defaults()); !errors.Is(err, ErrDestroyed) {
		t.Errorf("ChangePreferences after Destroy = %v", err)
	}
	s.Stop()
}

func TestSpeech_VoiceResolution(t *testing.T) {
	t.Parallel()
	eng := &mock.Engine{VoicesResult: []speech.Voice{
		{ID: "en-us", Name: "English", Lang: "en-US"},
		{ID: "de", Name: "German", Lang: "de"},
	}}
	s := newSpeech(t, eng)
	rec := newRecorder()
	s.Subscribe(KindPlaybackActiveChanged, rec.handle)
	s.SetPreferences(prefs.Defaults().WithVoice("de", "German"))

	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	rec.next(t)
	rec.next(t)
	if calls := eng.Calls(); len(calls) == 0 || calls[0].VoiceID != "de" {
		t.Errorf("calls = %+v, want voice de", calls)
	}
}

func TestChunkify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		markup string
		opts   ChunkifyOptions
		want   []Chunk
	}{
		{
			name:   "paragraphs with languages",
			markup: `<html lang="en-GB"><body><article id="region"><h2>Title</h2><p>One <em>two</em>.</p><p lang="fr">Trois.</p></article></body></html>`,
			want: []Chunk{
				{Text: "Title", Lang: "en-GB"},
				{Text: "One two.", Lang: "en-GB"},
				{Text: "Trois.", Lang: "fr"},
			},
		},
		{
			name:   "no containers uses region",
			markup: `<div id="region">Just <b>text</b><script>ignored()</script></div>`,
			want:   []Chunk{{Text: "Just text", Lang: "en"}},
		},
		{
			name:   "hidden content skipped",
			markup: `<div id="region"><p>Keep.</p><p hidden>Drop.</p><p aria-hidden="true">Drop.</p></div>`,
			want:   []Chunk{{Text: "Keep.", Lang: "en"}},
		},
		{
			name:   "long text split at sentences",
			markup: `<div id="region"><p>Aaaa bbbb. Cccc dddd. Eeee.</p></div>`,
			opts:   ChunkifyOptions{MaxChunkLength: 12},
			want: []Chunk{
				{Text: "Aaaa bbbb.", Lang: "en"},
				{Text: "Cccc dddd.", Lang: "en"},
				{Text: "Eeee.", Lang: "en"},
			},
		},
		{
			name:   "custom containers",
			markup: `<div id="region"><section>A</section><section>B</section></div>`,
			opts:   ChunkifyOptions{ContainerSelector: "section"},
			want:   []Chunk{{Text: "A", Lang: "en"}, {Text: "B", Lang: "en"}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, r := region(t, tc.markup)
			got, err := Chunkify(r, tc.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("chunks = %+v, want %+v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("chunk %d = %+v, want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestChunkify_InvalidSelector(t *testing.T) {
	t.Parallel()
	_, r := region(t, `<div id="region">x</div>`)
	if _, err := Chunkify(r, ChunkifyOptions{ContainerSelector: "p["}); err == nil {
		t.Error("expected selector error")
	}
}

func TestSplit_LongWord(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 20)
	got := split("a "+long+" b", 5)
	if len(got) != 3 || got[1] != long {
		t.Errorf("split = %q", got)
	}
}

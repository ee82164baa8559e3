package session

import (
	"sync"

	"github.com/MrWong99/readaloud/internal/prefs"
)

// EventType names a manager-level event.
type EventType string

const (
	EventSpeechCreated       EventType = "speech-created"
	EventSpeechDestroyed     EventType = "speech-destroyed"
	EventPlaybackActive      EventType = "playback-active-changed"
	EventPreferencesChanged  EventType = "preferences-changed"
	EventExternalPreferences EventType = "external-preferences-changed"
)

// Event is a manager-level notification for observers such as the control
// API. Fields not relevant to Type are zero.
type Event struct {
	Type        EventType          `json:"type"`
	SpeechID    string             `json:"speechId,omitempty"`
	Active      bool               `json:"active"`
	Preferences *prefs.Preferences `json:"preferences,omitempty"`
}

// watchers is a set of event callbacks.
type watchers struct {
	mu     sync.Mutex
	fns    map[int]func(Event)
	nextID int
}

func (w *watchers) add(fn func(Event)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[int]func(Event))
	}
	id := w.nextID
	w.nextID++
	w.fns[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.fns, id)
	}
}

func (w *watchers) emit(ev Event) {
	w.mu.Lock()
	fns := make([]func(Event), 0, len(w.fns))
	for i := 0; i < w.nextID; i++ {
		if fn, ok := w.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

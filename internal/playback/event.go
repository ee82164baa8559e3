package playback

import "github.com/MrWong99/readaloud/internal/prefs"

// EventKind identifies a coordinator event type for [Speech.Subscribe].
type EventKind int

const (
	// KindPlaybackActiveChanged fires with [EventPlaybackActiveChanged]
	// whenever the coordinator starts or stops producing speech.
	KindPlaybackActiveChanged EventKind = iota

	// KindPreferencesChanged fires with [EventPreferencesChanged] when the
	// user changed preferences through this coordinator.
	KindPreferencesChanged
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case KindPlaybackActiveChanged:
		return "playback-active-changed"
	case KindPreferencesChanged:
		return "preferences-changed"
	default:
		return "unknown"
	}
}

// Event is implemented by every coordinator event.
type Event interface {
	Kind() EventKind
}

// EventPlaybackActiveChanged reports that playback became active or
// inactive.
type EventPlaybackActiveChanged struct {
	Active bool
}

// Kind implements [Event].
func (EventPlaybackActiveChanged) Kind() EventKind { return KindPlaybackActiveChanged }

// EventPreferencesChanged carries the new shared preference record.
type EventPreferencesChanged struct {
	Preferences prefs.Preferences
}

// Kind implements [Event].
func (EventPreferencesChanged) Kind() EventKind { return KindPreferencesChanged }

// Handler receives coordinator events. Handlers run synchronously on the
// goroutine that caused the event and must not block for long.
type Handler func(Event)

type subscription struct {
	id   int
	kind EventKind
	fn   Handler
}

// emitter is an ordered list of subscriptions. It is guarded by its owner's
// mutex.
type emitter struct {
	subs   []subscription
	nextID int
}

// add registers fn and returns its id. Caller holds the owner's lock.
func (e *emitter) add(kind EventKind, fn Handler) int {
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscription{id: id, kind: kind, fn: fn})
	return id
}

// remove unregisters id. Caller holds the owner's lock.
func (e *emitter) remove(id int) {
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// handlers returns the handlers for kind in subscription order. Caller
// holds the owner's lock; the handlers are called after releasing it.
func (e *emitter) handlers(kind EventKind) []Handler {
	var out []Handler
	for _, s := range e.subs {
		if s.kind == kind {
			out = append(out, s.fn)
		}
	}
	return out
}

func (e *emitter) clear() {
	e.subs = nil
}

func dispatch(hs []Handler, ev Event) {
	for _, h := range hs {
		h(ev)
	}
}

// Package mock provides a test double for the session.Coordinator interface.
//
// Coordinator records every call and lets tests raise the events a real
// coordinator would raise on user interaction:
//
//	f := &mock.Factory{}
//	m := session.New(session.Config{..., NewCoordinator: f.New})
//	f.Coordinators()[0].Activate()
package mock

import (
	"sync"

	"github.com/MrWong99/readaloud/internal/playback"
	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/session"
)

// Coordinator is a mock implementation of session.Coordinator.
type Coordinator struct {
	mu sync.Mutex

	// Config is the configuration the coordinator was built with.
	Config session.CoordinatorConfig

	// InitializeCalls counts calls to Initialize.
	InitializeCalls int

	// DestroyCalls counts calls to Destroy.
	DestroyCalls int

	// StopCalls counts calls to Stop.
	StopCalls int

	// SetPreferencesCalls records every record passed to SetPreferences.
	SetPreferencesCalls []prefs.Preferences

	active bool
	subs   map[int]subscription
	nextID int
}

type subscription struct {
	kind playback.EventKind
	fn   playback.Handler
}

var _ session.Coordinator = (*Coordinator)(nil)

// Initialize records the call.
func (c *Coordinator) Initialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InitializeCalls++
}

// Destroy records the call and deactivates the coordinator silently.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DestroyCalls++
	c.active = false
}

// Stop records the call. An active coordinator becomes inactive and emits
// playback-active-changed(false).
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.StopCalls++
	wasActive := c.active
	c.active = false
	c.mu.Unlock()
	if wasActive {
		c.emit(playback.EventPlaybackActiveChanged{Active: false})
	}
}

// SetPreferences records the call.
func (c *Coordinator) SetPreferences(p prefs.Preferences) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetPreferencesCalls = append(c.SetPreferencesCalls, p.Clone())
}

// Subscribe registers h for kind.
func (c *Coordinator) Subscribe(kind playback.EventKind, h playback.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[int]subscription)
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = subscription{kind: kind, fn: h}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Activate simulates the user starting playback.
func (c *Coordinator) Activate() {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	c.emit(playback.EventPlaybackActiveChanged{Active: true})
}

// ChangePreferences simulates the user changing preferences.
func (c *Coordinator) ChangePreferences(p prefs.Preferences) {
	c.emit(playback.EventPreferencesChanged{Preferences: p})
}

// Active reports whether the coordinator is playing.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Subscribers returns the number of live subscriptions.
func (c *Coordinator) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Counts returns InitializeCalls, DestroyCalls and StopCalls. Thread-safe.
func (c *Coordinator) Counts() (initialize, destroy, stop int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.InitializeCalls, c.DestroyCalls, c.StopCalls
}

// Preferences returns a copy of SetPreferencesCalls. Thread-safe.
func (c *Coordinator) Preferences() []prefs.Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]prefs.Preferences, len(c.SetPreferencesCalls))
	copy(out, c.SetPreferencesCalls)
	return out
}

func (c *Coordinator) emit(ev playback.Event) {
	c.mu.Lock()
	var hs []playback.Handler
	for id := 0; id < c.nextID; id++ {
		if s, ok := c.subs[id]; ok && s.kind == ev.Kind() {
			hs = append(hs, s.fn)
		}
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Factory builds mock coordinators and remembers them in creation order.
type Factory struct {
	mu    sync.Mutex
	built []*Coordinator
}

// New implements session.NewCoordinatorFunc.
func (f *Factory) New(cfg session.CoordinatorConfig) session.Coordinator {
	c := &Coordinator{Config: cfg}
	f.mu.Lock()
	f.built = append(f.built, c)
	f.mu.Unlock()
	return c
}

// Coordinators returns every coordinator built so far.
func (f *Factory) Coordinators() []*Coordinator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Coordinator(nil), f.built...)
}

// ByID returns the coordinator built with the given ID.
func (f *Factory) ByID(id string) *Coordinator {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.built {
		if c.Config.ID == id {
			return c
		}
	}
	return nil
}

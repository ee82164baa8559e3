// Package session implements the speech session manager.
//
// A [Manager] discovers the content regions of a document, keeps exactly one
// playback coordinator per region while the document mutates, lets at most
// one coordinator play at a time, and keeps every coordinator's preferences
// in sync with each other and with the shared preference store, including
// changes made by other processes sharing the store.
//
// Coordinator events are handled synchronously: by the time a coordinator's
// Play or ChangePreferences returns, every other coordinator has been
// stopped or updated. The registry lock is never held while calling into a
// coordinator.
package session

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/andybalholm/cascadia"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/MrWong99/readaloud/internal/content"
	"github.com/MrWong99/readaloud/internal/dom"
	"github.com/MrWong99/readaloud/internal/observe"
	"github.com/MrWong99/readaloud/internal/playback"
	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/speech"
)

// Destroy reasons recorded in metrics.
const (
	reasonRemoved = "removed"
	reasonStopped = "stopped"
)

// Speech is one registry entry as seen from outside the manager.
type Speech struct {
	ID          string
	Region      *html.Node
	Coordinator Coordinator
}

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateStarting
	stateStarted
	stateFailed
)

type entry struct {
	speech Speech
	unsubs []func()
}

// Config holds the dependencies of a [Manager].
type Config struct {
	// Document is the live document to manage. Required.
	Document *dom.Document

	// Engine is the speech engine. Nil means speech synthesis is not
	// available and Start fails with [ErrSpeechSynthesisNotSupported].
	Engine speech.Engine

	// Store is the shared preference store. Required.
	Store *prefs.Store

	// Metrics records registry and coordination metrics. Nil means
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// NewCoordinator builds coordinators. Nil means
	// [NewPlaybackCoordinator].
	NewCoordinator NewCoordinatorFunc
}

// Manager owns the registry of content regions and their coordinators.
// Managers share no state with each other. All methods are safe for
// concurrent use.
type Manager struct {
	doc            *dom.Document
	engine         speech.Engine
	baseStore      *prefs.Store
	metrics        *observe.Metrics
	newCoordinator NewCoordinatorFunc
	watchers       watchers

	mu       sync.Mutex
	state    lifecycle
	failure  error
	opts     Options
	store    *prefs.Store
	sel      cascadia.Matcher
	root     *html.Node
	registry map[*html.Node]*entry
	order    []*entry

	observer     *dom.Observer
	unsubStore   func()
	removeUnload func()
}

// New creates a Manager. Nothing happens until [Manager.Start].
func New(cfg Config) *Manager {
	m := &Manager{
		doc:            cfg.Document,
		engine:         cfg.Engine,
		baseStore:      cfg.Store,
		metrics:        cfg.Metrics,
		newCoordinator: cfg.NewCoordinator,
		registry:       make(map[*html.Node]*entry),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.newCoordinator == nil {
		m.newCoordinator = NewPlaybackCoordinator
	}
	return m
}

// Start checks the host capabilities, waits until the document is ready,
// creates a coordinator for every content region under the root and starts
// watching the root for mutations. It returns once all of that is done.
//
// Start fails with [ErrSpeechSynthesisNotSupported] or
// [ErrSystemNotSupported] when the host lacks a capability; such a failure
// is permanent and later calls return the same error. A Start while the
// manager is starting or running returns [ErrAlreadyStarted]. If ctx ends
// while waiting for the document, Start returns ctx.Err() and may be called
// again.
func (m *Manager) Start(ctx context.Context, opts Options) error {
	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()
	log := observe.Logger(ctx)

	m.mu.Lock()
	switch {
	case m.failure != nil:
		err := m.failure
		m.mu.Unlock()
		return err
	case m.state != stateIdle:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.state = stateStarting
	m.mu.Unlock()

	if err := m.checkCapabilities(opts); err != nil {
		m.mu.Lock()
		m.state = stateFailed
		m.failure = err
		m.mu.Unlock()
		observe.Fail(ctx, err)
		log.Warn("session: start rejected", "reason", err)
		return err
	}

	sel, err := content.Compile(opts.ContentSelector)
	if err != nil {
		m.resetStarting()
		return fmt.Errorf("session: start: %w", err)
	}

	select {
	case <-m.doc.Ready():
	case <-ctx.Done():
		m.resetStarting()
		return ctx.Err()
	}

	root := opts.Root
	if root == nil {
		root = m.doc.Body()
	}
	if root == nil {
		m.resetStarting()
		return fmt.Errorf("session: start: document has no body")
	}

	store := m.baseStore.WithDefaults(opts.DefaultUtteranceOptions)

	m.mu.Lock()
	m.opts = opts
	m.store = store
	m.sel = sel
	m.root = root
	m.mu.Unlock()

	// The engine may keep speaking after the document is gone.
	removeUnload := m.doc.OnUnload(m.engine.Cancel)
	unsubStore := store.OnExternalChange(m.handleExternalChange)
	// Observe before the initial scan so no mutation falls in between;
	// creation is idempotent.
	observer := m.doc.Observe(root, m.handleMutations)

	m.mu.Lock()
	m.removeUnload = removeUnload
	m.unsubStore = unsubStore
	m.observer = observer
	m.mu.Unlock()

	m.createSpeeches(ctx, root)

	m.mu.Lock()
	m.state = stateStarted
	n := len(m.order)
	m.mu.Unlock()

	log.Info("session: started", "speeches", n, "selector", selectorOrDefault(opts.ContentSelector))
	return nil
}

func (m *Manager) checkCapabilities(opts Options) error {
	if m.engine == nil {
		return ErrSpeechSynthesisNotSupported
	}
	check := opts.HasSystemSupport
	if check == nil {
		check = DefaultHasSystemSupport
	}
	if !check(opts.UserAgent) {
		return ErrSystemNotSupported
	}
	return nil
}

func (m *Manager) resetStarting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = stateIdle
}

// Stop ends the run: it stops watching the document and the store, destroys
// every coordinator and cancels the engine. The manager can be started
// again afterwards. Stop on a manager that is not running does nothing.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != stateStarted {
		m.mu.Unlock()
		return
	}
	m.state = stateIdle
	observer, unsubStore, removeUnload := m.observer, m.unsubStore, m.removeUnload
	m.observer, m.unsubStore, m.removeUnload = nil, nil, nil
	entries := m.order
	m.order = nil
	m.registry = make(map[*html.Node]*entry)
	m.mu.Unlock()

	observer.Disconnect()
	unsubStore()
	removeUnload()
	for _, e := range entries {
		m.destroyEntry(e, reasonStopped)
	}
	m.engine.Cancel()
	slog.Info("session: stopped", "speeches", len(entries))
}

// Started reports whether the manager is running.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateStarted
}

// Speeches iterates over a snapshot of the registry in creation order.
func (m *Manager) Speeches() iter.Seq[Speech] {
	m.mu.Lock()
	snapshot := make([]Speech, len(m.order))
	for i, e := range m.order {
		snapshot[i] = e.speech
	}
	m.mu.Unlock()
	return slices.Values(snapshot)
}

// Len returns the number of registered speeches.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Lookup returns the speech with the given ID.
func (m *Manager) Lookup(id string) (Speech, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.order {
		if e.speech.ID == id {
			return e.speech, true
		}
	}
	return Speech{}, false
}

// Preferences returns the effective preference record.
func (m *Manager) Preferences(ctx context.Context) prefs.Preferences {
	return m.currentStore().Read(ctx)
}

// SetPreferences persists p and pushes it to every coordinator, as if a
// coordinator outside the registry had changed it.
func (m *Manager) SetPreferences(ctx context.Context, p prefs.Preferences) error {
	err := m.currentStore().Write(ctx, p)
	m.metrics.RecordPreferenceWrite(ctx, err)
	if err != nil {
		return fmt.Errorf("session: set preferences: %w", err)
	}
	for _, e := range m.others(nil) {
		e.speech.Coordinator.SetPreferences(p)
	}
	m.watchers.emit(Event{Type: EventPreferencesChanged, Preferences: &p})
	return nil
}

// Watch registers fn for manager events. fn runs synchronously on the
// goroutine that caused the event and must not block.
func (m *Manager) Watch(fn func(Event)) (unsubscribe func()) {
	return m.watchers.add(fn)
}

func (m *Manager) currentStore() *prefs.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		return m.store
	}
	return m.baseStore
}

// handleMutations processes one batch of mutation records in report order.
func (m *Manager) handleMutations(records []dom.MutationRecord) {
	ctx := context.Background()
	for _, rec := range records {
		for _, n := range rec.Added {
			if dom.IsElement(n) {
				m.createSpeeches(ctx, n)
			}
		}
		for _, n := range rec.Removed {
			if dom.IsElement(n) {
				m.destroySpeeches(n)
			}
		}
	}
}

// createSpeeches registers and initializes a coordinator for every content
// region in node's subtree that is not registered yet. Nodes that have left
// the managed root meanwhile are skipped.
func (m *Manager) createSpeeches(ctx context.Context, node *html.Node) {
	m.mu.Lock()
	root, sel := m.root, m.sel
	m.mu.Unlock()
	if root == nil {
		return
	}

	var regions []*html.Node
	m.doc.Read(func() {
		if !dom.Contains(root, node) {
			return
		}
		regions = content.Locate(node, sel)
	})
	for _, r := range regions {
		m.createSpeech(ctx, r)
	}
}

func (m *Manager) createSpeech(ctx context.Context, region *html.Node) {
	m.mu.Lock()
	_, exists := m.registry[region]
	running := m.state == stateStarting || m.state == stateStarted
	store, opts := m.store, m.opts
	m.mu.Unlock()
	if exists || !running {
		return
	}

	id := uuid.NewString()
	coord := m.newCoordinator(CoordinatorConfig{
		ID:           id,
		Region:       region,
		Document:     m.doc,
		Engine:       m.engine,
		Preferences:  store.Read(ctx),
		Chunkify:     opts.Chunkify,
		UseDashicons: opts.UseDashicons,
	})
	e := &entry{speech: Speech{ID: id, Region: region, Coordinator: coord}}
	e.unsubs = []func(){
		coord.Subscribe(playback.KindPlaybackActiveChanged, func(ev playback.Event) {
			m.handleActiveChanged(e, ev)
		}),
		coord.Subscribe(playback.KindPreferencesChanged, func(ev playback.Event) {
			m.handlePreferencesChanged(e, ev)
		}),
	}

	m.mu.Lock()
	_, exists = m.registry[region]
	running = m.state == stateStarting || m.state == stateStarted
	if !exists && running {
		m.registry[region] = e
		m.order = append(m.order, e)
	}
	m.mu.Unlock()
	if exists || !running {
		// Lost a race with another creator or with Stop.
		for _, u := range e.unsubs {
			u()
		}
		return
	}

	coord.Initialize()
	m.metrics.RecordSpeechCreated(ctx)
	observe.Logger(observe.WithSpeech(ctx, id)).Debug("session: speech created")
	m.watchers.emit(Event{Type: EventSpeechCreated, SpeechID: id})
}

// destroySpeeches destroys every registered region inside the removed
// subtree that is no longer part of the managed root. A region that was
// moved elsewhere under the root keeps its coordinator.
func (m *Manager) destroySpeeches(node *html.Node) {
	m.mu.Lock()
	root := m.root
	var candidates []*html.Node
	for _, e := range m.order {
		if dom.Contains(node, e.speech.Region) {
			candidates = append(candidates, e.speech.Region)
		}
	}
	m.mu.Unlock()
	if len(candidates) == 0 {
		return
	}

	var gone []*html.Node
	m.doc.Read(func() {
		for _, r := range candidates {
			if !dom.Contains(root, r) {
				gone = append(gone, r)
			}
		}
	})

	for _, r := range gone {
		m.mu.Lock()
		e, ok := m.registry[r]
		if ok {
			delete(m.registry, r)
			m.order = slices.DeleteFunc(m.order, func(x *entry) bool { return x == e })
		}
		m.mu.Unlock()
		if ok {
			m.destroyEntry(e, reasonRemoved)
		}
	}
}

// destroyEntry unsubscribes from and destroys a coordinator that was already
// removed from the registry.
func (m *Manager) destroyEntry(e *entry, reason string) {
	for _, u := range e.unsubs {
		u()
	}
	e.speech.Coordinator.Destroy()
	m.metrics.RecordSpeechDestroyed(context.Background(), reason)
	slog.Debug("session: speech destroyed", "speech", e.speech.ID, "reason", reason)
	m.watchers.emit(Event{Type: EventSpeechDestroyed, SpeechID: e.speech.ID})
}

// others returns a snapshot of every registered entry except self.
func (m *Manager) others(self *entry) []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.order))
	for _, e := range m.order {
		if e != self {
			out = append(out, e)
		}
	}
	return out
}

// handleActiveChanged stops every other coordinator when self became
// active.
func (m *Manager) handleActiveChanged(self *entry, ev playback.Event) {
	active, ok := ev.(playback.EventPlaybackActiveChanged)
	if !ok {
		return
	}
	m.watchers.emit(Event{Type: EventPlaybackActive, SpeechID: self.speech.ID, Active: active.Active})
	if !active.Active {
		return
	}
	others := m.others(self)
	for _, e := range others {
		e.speech.Coordinator.Stop()
	}
	if len(others) > 0 {
		m.metrics.StopCommands.Add(context.Background(), int64(len(others)))
	}
}

// handlePreferencesChanged persists the record self announced and pushes it
// to every other coordinator.
func (m *Manager) handlePreferencesChanged(self *entry, ev playback.Event) {
	changed, ok := ev.(playback.EventPreferencesChanged)
	if !ok {
		return
	}
	ctx := context.Background()
	p := changed.Preferences

	err := m.currentStore().Write(ctx, p)
	m.metrics.RecordPreferenceWrite(ctx, err)
	if err != nil {
		observe.Logger(observe.WithSpeech(ctx, self.speech.ID)).Warn("session: persist preferences failed", "err", err)
	}
	for _, e := range m.others(self) {
		e.speech.Coordinator.SetPreferences(p)
	}
	m.watchers.emit(Event{Type: EventPreferencesChanged, SpeechID: self.speech.ID, Preferences: &p})
}

// handleExternalChange pushes a record written by another context to every
// coordinator.
func (m *Manager) handleExternalChange(p prefs.Preferences) {
	m.metrics.ExternalPreferenceChanges.Add(context.Background(), 1)
	targets := m.others(nil)
	for _, e := range targets {
		e.speech.Coordinator.SetPreferences(p)
	}
	slog.Debug("session: applied external preferences", "speeches", len(targets))
	m.watchers.emit(Event{Type: EventExternalPreferences, Preferences: &p})
}

func selectorOrDefault(s string) string {
	if s == "" {
		return content.DefaultSelector
	}
	return s
}

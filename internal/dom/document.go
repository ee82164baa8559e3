// Package dom holds a live HTML document: a parsed node tree that can be
// mutated while the process runs, with subtree mutation observers, a one-shot
// ready signal and unload hooks.
//
// Nodes are [html.Node] pointers and are compared by identity. All tree
// mutations must go through [Document] so that observers see them; readers
// that walk the tree concurrently with mutations should do so inside
// [Document.Read].
package dom

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// ErrNotChild is returned when a node is not a child of the given parent.
	ErrNotChild = errors.New("dom: node is not a child of parent")

	// ErrHierarchy is returned when a mutation would produce an invalid tree,
	// e.g. inserting a node that already has a parent or into its own subtree.
	ErrHierarchy = errors.New("dom: hierarchy request error")
)

// ReadyState mirrors the document loading phases.
type ReadyState int

const (
	Loading ReadyState = iota
	Interactive
	Complete
)

// String returns the lowercase name of the state.
func (s ReadyState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Interactive:
		return "interactive"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("ReadyState(%d)", int(s))
}

// Document is a live, mutable HTML document. All exported methods are safe
// for concurrent use.
type Document struct {
	mu   sync.RWMutex
	root *html.Node

	stateMu sync.Mutex
	state   ReadyState
	ready   chan struct{}

	obsMu     sync.Mutex
	observers []*Observer

	unloadMu    sync.Mutex
	unloadHooks map[int]func()
	nextHook    int
	unloaded    bool
}

// New wraps an already parsed document node. The document starts in the
// [Loading] state.
func New(root *html.Node) *Document {
	return &Document{
		root:        root,
		ready:       make(chan struct{}),
		unloadHooks: make(map[int]func()),
	}
}

// Parse reads an HTML document from r. The returned document is in the
// [Loading] state; call [Document.SetReadyState] once the caller considers it
// loaded.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return New(root), nil
}

// ParseString is a convenience wrapper around [Parse].
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the body element, or nil if the document has none.
func (d *Document) Body() *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findElement(d.root, atom.Body)
}

// Read runs fn while holding the tree read lock. fn must not mutate the
// document.
func (d *Document) Read(fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn()
}

// ReadyState returns the current loading phase.
func (d *Document) ReadyState() ReadyState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// SetReadyState advances the loading phase. States never move backwards.
// Reaching [Interactive] or later closes the channel returned by
// [Document.Ready].
func (d *Document) SetReadyState(s ReadyState) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if s <= d.state {
		return
	}
	prev := d.state
	d.state = s
	if prev < Interactive && s >= Interactive {
		close(d.ready)
	}
}

// Ready returns a channel that is closed once the document is no longer
// loading. Every caller receives the same channel.
func (d *Document) Ready() <-chan struct{} {
	return d.ready
}

// ParseFragment parses s in the context of the given element and returns the
// resulting detached nodes.
func (d *Document) ParseFragment(context *html.Node, s string) ([]*html.Node, error) {
	nodes, err := html.ParseFragment(strings.NewReader(s), context)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	return nodes, nil
}

// AppendChild adds child as the last child of parent.
func (d *Document) AppendChild(parent, child *html.Node) error {
	return d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts child into parent before ref. A nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if child.Parent != nil || child.PrevSibling != nil || child.NextSibling != nil {
		return fmt.Errorf("%w: node is already attached", ErrHierarchy)
	}
	if Contains(child, parent) {
		return fmt.Errorf("%w: cannot insert a node into its own subtree", ErrHierarchy)
	}
	if ref != nil && ref.Parent != parent {
		return fmt.Errorf("insert before: %w", ErrNotChild)
	}
	parent.InsertBefore(child, ref)
	d.notify(MutationRecord{Target: parent, Added: []*html.Node{child}})
	return nil
}

// RemoveChild detaches child from parent.
func (d *Document) RemoveChild(parent, child *html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if child.Parent != parent {
		return fmt.Errorf("remove child: %w", ErrNotChild)
	}
	parent.RemoveChild(child)
	d.notify(MutationRecord{Target: parent, Removed: []*html.Node{child}})
	return nil
}

// Remove detaches n from its parent. Removing a detached node is a no-op.
func (d *Document) Remove(n *html.Node) error {
	d.mu.RLock()
	parent := n.Parent
	d.mu.RUnlock()
	if parent == nil {
		return nil
	}
	return d.RemoveChild(parent, n)
}

// ReplaceChildren removes every child of parent and appends children in
// order. Observers receive a single record carrying both lists.
func (d *Document) ReplaceChildren(parent *html.Node, children ...*html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range children {
		if c.Parent != nil || c.PrevSibling != nil || c.NextSibling != nil {
			return fmt.Errorf("%w: node is already attached", ErrHierarchy)
		}
		if Contains(c, parent) {
			return fmt.Errorf("%w: cannot insert a node into its own subtree", ErrHierarchy)
		}
	}

	var removed []*html.Node
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		parent.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, c := range children {
		parent.AppendChild(c)
	}
	if len(removed) == 0 && len(children) == 0 {
		return nil
	}
	d.notify(MutationRecord{Target: parent, Added: children, Removed: removed})
	return nil
}

// OnUnload registers fn to run when the document is unloaded. The returned
// function removes the hook.
func (d *Document) OnUnload(fn func()) (remove func()) {
	d.unloadMu.Lock()
	defer d.unloadMu.Unlock()
	id := d.nextHook
	d.nextHook++
	d.unloadHooks[id] = fn
	return func() {
		d.unloadMu.Lock()
		defer d.unloadMu.Unlock()
		delete(d.unloadHooks, id)
	}
}

// Unload runs every registered unload hook in registration order and
// disconnects all observers. Subsequent calls are no-ops.
func (d *Document) Unload() {
	d.unloadMu.Lock()
	if d.unloaded {
		d.unloadMu.Unlock()
		return
	}
	d.unloaded = true
	hooks := make([]func(), 0, len(d.unloadHooks))
	for i := 0; i < d.nextHook; i++ {
		if fn, ok := d.unloadHooks[i]; ok {
			hooks = append(hooks, fn)
		}
	}
	d.unloadHooks = make(map[int]func())
	d.unloadMu.Unlock()

	for _, fn := range hooks {
		fn()
	}

	d.obsMu.Lock()
	observers := d.observers
	d.observers = nil
	d.obsMu.Unlock()
	for _, o := range observers {
		o.close()
	}
}

// Contains reports whether n is ancestor itself or one of its descendants.
func Contains(ancestor, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// IsElement reports whether n is an element node.
func IsElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

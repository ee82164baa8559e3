package dom

import (
	"slices"
	"sync"

	"golang.org/x/net/html"
)

// MutationRecord describes one structural change: the nodes added to and
// removed from Target's child list.
type MutationRecord struct {
	Target  *html.Node
	Added   []*html.Node
	Removed []*html.Node
}

// Observer receives batched mutation records for a subtree. Records are
// delivered asynchronously on a dedicated goroutine, one batch at a time, in
// the order the mutations happened. Records queued while a batch is being
// handled are delivered together in the next batch.
type Observer struct {
	doc    *Document
	target *html.Node
	fn     func([]MutationRecord)

	mu         sync.Mutex
	idle       *sync.Cond
	queue      []MutationRecord
	delivering bool
	closed     bool
}

// Observe starts watching child-list changes anywhere in target's subtree
// (target included). fn is never called concurrently with itself.
func (d *Document) Observe(target *html.Node, fn func([]MutationRecord)) *Observer {
	o := &Observer{doc: d, target: target, fn: fn}
	o.idle = sync.NewCond(&o.mu)

	d.obsMu.Lock()
	d.observers = append(d.observers, o)
	d.obsMu.Unlock()
	return o
}

// Disconnect stops delivery. Records not yet delivered are dropped. A batch
// that is already being handled runs to completion.
func (o *Observer) Disconnect() {
	o.doc.obsMu.Lock()
	o.doc.observers = slices.DeleteFunc(o.doc.observers, func(x *Observer) bool { return x == o })
	o.doc.obsMu.Unlock()
	o.close()
}

// TakeRecords removes and returns the records that have not been delivered
// yet.
func (o *Observer) TakeRecords() []MutationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	recs := o.queue
	o.queue = nil
	o.idle.Broadcast()
	return recs
}

// Flush blocks until every observer of d has delivered all queued records.
// It must not be called from inside an observer callback.
func (d *Document) Flush() {
	d.obsMu.Lock()
	observers := slices.Clone(d.observers)
	d.obsMu.Unlock()
	for _, o := range observers {
		o.wait()
	}
}

func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.queue = nil
	o.idle.Broadcast()
}

func (o *Observer) wait() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.delivering || len(o.queue) > 0 {
		o.idle.Wait()
	}
}

func (o *Observer) enqueue(rec MutationRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, rec)
	if !o.delivering {
		o.delivering = true
		go o.deliver()
	}
}

func (o *Observer) deliver() {
	for {
		o.mu.Lock()
		if o.closed || len(o.queue) == 0 {
			o.delivering = false
			o.idle.Broadcast()
			o.mu.Unlock()
			return
		}
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()

		o.fn(batch)
	}
}

// notify fans rec out to every observer whose subtree contains rec.Target.
// Called with d.mu held so that records are queued in mutation order.
func (d *Document) notify(rec MutationRecord) {
	d.obsMu.Lock()
	observers := slices.Clone(d.observers)
	d.obsMu.Unlock()
	for _, o := range observers {
		if Contains(o.target, rec.Target) {
			o.enqueue(rec)
		}
	}
}

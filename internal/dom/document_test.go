package dom

import (
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const testPage = `<!DOCTYPE html><html><head><title>t</title></head><body>
<main id="main"><article id="a1"><p>One</p></article></main>
<aside id="side"></aside>
</body></html>`

func mustParse(t *testing.T, s string) *Document {
	t.Helper()
	doc, err := ParseString(s)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	return doc
}

func byID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := byID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func element(tag atom.Atom) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: tag, Data: tag.String()}
}

func TestReadyState_ClosesReadyOnce(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, testPage)

	if got := doc.ReadyState(); got != Loading {
		t.Fatalf("initial state = %v, want %v", got, Loading)
	}
	select {
	case <-doc.Ready():
		t.Fatal("Ready() closed while loading")
	default:
	}

	doc.SetReadyState(Interactive)
	doc.SetReadyState(Complete)
	doc.SetReadyState(Loading) // ignored

	select {
	case <-doc.Ready():
	default:
		t.Fatal("Ready() not closed after Interactive")
	}
	if got := doc.ReadyState(); got != Complete {
		t.Errorf("state = %v, want %v", got, Complete)
	}
	if doc.Ready() != doc.Ready() {
		t.Error("Ready() should return the same channel every time")
	}
}

func TestBody(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, testPage)
	body := doc.Body()
	if body == nil || body.DataAtom != atom.Body {
		t.Fatalf("Body() = %v, want body element", body)
	}
}

func TestObserve_DeliversInOrder(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, testPage)
	body := doc.Body()
	main := byID(body, "main")

	var mu sync.Mutex
	var got []MutationRecord
	doc.Observe(body, func(recs []MutationRecord) {
		mu.Lock()
		got = append(got, recs...)
		mu.Unlock()
	})

	first := element(atom.Section)
	second := element(atom.Section)
	if err := doc.AppendChild(main, first); err != nil {
		t.Fatalf("AppendChild: %v", err)
	}
	if err := doc.InsertBefore(main, second, first); err != nil {
		t.Fatalf("InsertBefore: %v", err)
	}
	if err := doc.Remove(first); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	doc.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("records = %d, want 3", len(got))
	}
	if got[0].Added[0] != first || got[1].Added[0] != second || got[2].Removed[0] != first {
		t.Error("records were not delivered in mutation order")
	}
	for _, r := range got {
		if r.Target != main {
			t.Errorf("target = %v, want main", r.Target.Data)
		}
	}
}

func TestObserve_IgnoresMutationsOutsideTarget(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, testPage)
	body := doc.Body()
	main := byID(body, "main")
	side := byID(body, "side")

	calls := 0
	doc.Observe(main, func(recs []MutationRecord) { calls += len(recs) })

	if err := doc.AppendChild(side, element(atom.P)); err != nil {
		t.Fatalf("AppendChild: %v", err)
	}
	doc.Flush()
	if calls != 0 {
		t.Errorf("observer on main saw %d records for a mutation in aside", calls)
	}
}

func TestObserve_Disconnect(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, testPage)
	body := doc.Body()

	calls := 0
	o := doc.Observe(body, func(recs []MutationRecord) { calls++ })
	o.Disconnect()

	if err := doc.AppendChild(body, element(atom.Div)); err != nil {
		t.Fatalf("AppendChild: %v", err)
	}
	doc.Flush()
	if calls != 0 {
		t.Errorf("disconnected observer called %d times", calls)
	}
}

func TestObserve_BatchesWhileBusy(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, testPage)
	body := doc.Body()

	release := make(chan struct{})
	var mu sync.Mutex
	var batches [][]MutationRecord
	doc.Observe(body, func(recs []MutationRecord) {
		mu.Lock()
		batches = append(batches, recs)
		n := len(batches)
		mu.Unlock()
		if n == 1 {
			<-release
		}
	})

	if err := doc.AppendChild(body, element(atom.Div)); err != nil {
		t.Fatal(err)
	}
	// Wait until the first batch is being handled.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(batches)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first batch not delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := doc.AppendChild(body, element(atom.Div)); err != nil {
		t.Fatal(err)
	}
	if err := doc.AppendChild(body, element(atom.Div)); err != nil {
		t.Fatal(err)
	}
	close(release)
	doc.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if len(batches[1]) != 2 {
		t.Errorf("second batch size = %d, want 2", len(batches[1]))
	}
}

func TestMutation_Errors(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, testPage)
	body := doc.Body()
	main := byID(body, "main")
	article := byID(body, "a1")

	if err := doc.AppendChild(body, article); !errors.Is(err, ErrHierarchy) {
		t.Errorf("append attached node: err = %v, want ErrHierarchy", err)
	}
	if err := doc.RemoveChild(body, article); !errors.Is(err, ErrNotChild) {
		t.Errorf("remove non-child: err = %v, want ErrNotChild", err)
	}
	if err := doc.Remove(main); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := doc.AppendChild(article, main); !errors.Is(err, ErrHierarchy) {
		t.Errorf("insert into own subtree: err = %v, want ErrHierarchy", err)
	}
	if err := doc.Remove(main); err != nil {
		t.Errorf("Remove of detached node: err = %v, want nil", err)
	}
}

func TestReplaceChildren_SingleRecord(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, testPage)
	body := doc.Body()
	main := byID(body, "main")

	var got []MutationRecord
	doc.Observe(body, func(recs []MutationRecord) { got = append(got, recs...) })

	frag, err := doc.ParseFragment(main, `<p>a</p><p>b</p>`)
	if err != nil {
		t.Fatalf("ParseFragment: %v", err)
	}
	if err := doc.ReplaceChildren(main, frag...); err != nil {
		t.Fatalf("ReplaceChildren: %v", err)
	}
	doc.Flush()

	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	if len(got[0].Added) != 2 {
		t.Errorf("added = %d, want 2", len(got[0].Added))
	}
	if len(got[0].Removed) != 1 || byID(got[0].Removed[0], "a1") == nil {
		t.Error("removed list should contain the original article")
	}
}

func TestUnload_RunsHooksInOrderOnce(t *testing.T) {
	t.Parallel()
	doc := mustParse(t, testPage)

	var order []int
	doc.OnUnload(func() { order = append(order, 1) })
	remove := doc.OnUnload(func() { order = append(order, 2) })
	doc.OnUnload(func() { order = append(order, 3) })
	remove()

	doc.Unload()
	doc.Unload()

	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Errorf("hook order = %v, want [1 3]", order)
	}
}

package web_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/readaloud/internal/dom"
	"github.com/MrWong99/readaloud/internal/observe"
	"github.com/MrWong99/readaloud/internal/playback"
	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/session"
	speechmock "github.com/MrWong99/readaloud/internal/speech/mock"
	"github.com/MrWong99/readaloud/internal/web"
)

const page = `<!DOCTYPE html><html><body>
<div class="hentry"><div class="entry-content"><p>First post.</p></div></div>
<div class="hentry"><div class="entry-content"><p>Second post.</p></div></div>
</body></html>`

// ─── helpers ─────────────────────────────────────────────────────────────────

type fixture struct {
	srv     *httptest.Server
	manager *session.Manager
	store   *prefs.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	doc, err := dom.ParseString(page)
	if err != nil {
		t.Fatal(err)
	}
	doc.SetReadyState(dom.Complete)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	store := prefs.NewStore(prefs.NewMemoryOrigin().NewContext(), "", prefs.Partial{})
	m := session.New(session.Config{
		Document: doc,
		Engine:   &speechmock.Engine{Block: true},
		Store:    store,
		Metrics:  metrics,
	})
	if err := m.Start(context.Background(), session.Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "web_test_marker_total", Help: "marker"}))

	srv := httptest.NewServer(web.New(m, web.WithMetrics(metrics), web.WithGatherer(reg)))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, manager: m, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (f *fixture) speeches(t *testing.T) []web.SpeechView {
	t.Helper()
	resp, body := f.do(t, http.MethodGet, "/api/speeches", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/speeches = %d: %s", resp.StatusCode, body)
	}
	var out []web.SpeechView
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func (f *fixture) playback(t *testing.T, id string) *playback.Speech {
	t.Helper()
	sp, ok := f.manager.Lookup(id)
	if !ok {
		t.Fatalf("speech %s not registered", id)
	}
	return sp.Coordinator.(*playback.Speech)
}

// ─── speeches ────────────────────────────────────────────────────────────────

func TestListSpeeches(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	got := f.speeches(t)
	if len(got) != 2 {
		t.Fatalf("got %d speeches, want 2", len(got))
	}
	if got[0].Excerpt != "First post." || got[1].Excerpt != "Second post." {
		t.Errorf("excerpts = %q, %q", got[0].Excerpt, got[1].Excerpt)
	}
	for _, v := range got {
		if v.State != "stopped" || v.Chunks != 1 || !v.Controllable {
			t.Errorf("speech %+v, want stopped controllable with 1 chunk", v)
		}
	}

	resp, _ := f.do(t, http.MethodGet, "/api/speeches/"+got[0].ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET one = %d", resp.StatusCode)
	}
}

func TestControlSpeech_SingleActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	list := f.speeches(t)
	a, b := list[0].ID, list[1].ID

	if resp, body := f.do(t, http.MethodPost, "/api/speeches/"+a+"/play", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("play A = %d: %s", resp.StatusCode, body)
	}
	resp, body := f.do(t, http.MethodPost, "/api/speeches/"+b+"/play", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("play B = %d: %s", resp.StatusCode, body)
	}
	var v web.SpeechView
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatal(err)
	}
	if v.State != "playing" {
		t.Errorf("B state = %q, want playing", v.State)
	}
	if st := f.playback(t, a).State(); st != playback.StateStopped {
		t.Errorf("A state = %v, want stopped", st)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/speeches/"+b+"/pause", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("pause = %d", resp.StatusCode)
	}
	if st := f.playback(t, b).State(); st != playback.StatePaused {
		t.Errorf("B state = %v, want paused", st)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/speeches/"+b+"/stop", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("stop = %d", resp.StatusCode)
	}
}

func TestControlSpeech_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.speeches(t)[0].ID

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown speech", http.MethodPost, "/api/speeches/nope/play", http.StatusNotFound},
		{"unknown action", http.MethodPost, "/api/speeches/" + id + "/rewind", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/api/speeches/" + id + "/play", http.StatusMethodNotAllowed},
		{"get unknown", http.MethodGet, "/api/speeches/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp, _ := f.do(t, tt.method, tt.path, ""); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

// ─── preferences ─────────────────────────────────────────────────────────────

func TestPreferences(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/preferences", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET = %d", resp.StatusCode)
	}
	var got prefs.Preferences
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Equal(prefs.Defaults()) {
		t.Errorf("GET = %+v, want defaults", got)
	}

	resp, body = f.do(t, http.MethodPut, "/api/preferences", `{"rate":1.5,"languageVoices":{"de":"de-voice"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT = %d: %s", resp.StatusCode, body)
	}

	want := prefs.Defaults().WithVoice("de", "de-voice")
	want.Rate = 1.5
	if stored := f.store.Read(context.Background()); !stored.Equal(want) {
		t.Errorf("stored = %+v, want %+v", stored, want)
	}
	for sp := range f.manager.Speeches() {
		if p := sp.Coordinator.(*playback.Speech).Preferences(); !p.Equal(want) {
			t.Errorf("speech %s preferences = %+v, want %+v", sp.ID, p, want)
		}
	}
}

func TestPutPreferences_Invalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, body := range []string{`{`, `{"rate":0}`, `{"pitch":-1}`, `{"volume":1}`} {
		if resp, _ := f.do(t, http.MethodPut, "/api/preferences", body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("PUT %s = %d, want 400", body, resp.StatusCode)
		}
	}
}

// ─── events ──────────────────────────────────────────────────────────────────

func TestEvents_StreamsManagerEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	received := make(chan session.Event, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var ev session.Event
		if json.Unmarshal(data, &ev) == nil {
			received <- ev
		}
	}()

	// The server subscribes after the handshake; keep producing events
	// until one arrives.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case ev := <-received:
			if ev.Type != session.EventPreferencesChanged || ev.Preferences == nil {
				t.Fatalf("event = %+v, want preferences-changed with a record", ev)
			}
			return
		case <-ticker.C:
			f.do(t, http.MethodPut, "/api/preferences", `{"pitch":1.1}`)
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestEvents_DeactivationCarriesActiveField(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.speeches(t)[0].ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	inactive := make(chan map[string]any, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var raw map[string]any
			if json.Unmarshal(data, &raw) != nil || raw["type"] != string(session.EventPlaybackActive) {
				continue
			}
			if active, present := raw["active"]; !present || active == false {
				inactive <- raw
				return
			}
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case raw := <-inactive:
			if active, present := raw["active"]; !present || active != false {
				t.Fatalf("deactivation event = %v, want \"active\": false", raw)
			}
			return
		case <-ticker.C:
			f.do(t, http.MethodPost, "/api/speeches/"+id+"/play", "")
			f.do(t, http.MethodPost, "/api/speeches/"+id+"/pause", "")
		case <-ctx.Done():
			t.Fatal("no deactivation event received")
		}
	}
}

// ─── metrics & probes ────────────────────────────────────────────────────────

func TestMetricsAndProbes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "web_test_marker_total") {
		t.Errorf("/metrics = %d, body missing marker", resp.StatusCode)
	}
	for _, path := range []string{"/healthz", "/readyz"} {
		if resp, body := f.do(t, http.MethodGet, path, ""); resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d: %s", path, resp.StatusCode, body)
		}
	}

	f.manager.Stop()
	if resp, _ := f.do(t, http.MethodGet, "/readyz", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz after Stop = %d, want 503", resp.StatusCode)
	}
}

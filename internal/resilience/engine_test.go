package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/readaloud/internal/resilience"
	"github.com/MrWong99/readaloud/internal/speech"
	speechmock "github.com/MrWong99/readaloud/internal/speech/mock"
)

var errSynth = errors.New("synthesiser crashed")

func newEngineChain(engines ...*speechmock.Engine) *resilience.EngineChain {
	members := make([]resilience.Named[speech.Engine], 0, len(engines))
	for i, e := range engines {
		members = append(members, resilience.Named[speech.Engine]{Name: string(rune('a' + i)), Value: e})
	}
	return resilience.NewEngineChain(resilience.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}, members)
}

func TestEngineChain_FallsOver(t *testing.T) {
	t.Parallel()
	primary := &speechmock.Engine{SpeakErr: errSynth}
	secondary := &speechmock.Engine{}
	e := newEngineChain(primary, secondary)

	u := speech.Utterance{Text: "Hello.", Lang: "en"}
	for range 2 {
		if err := e.Speak(context.Background(), u); err != nil {
			t.Fatalf("Speak: %v", err)
		}
	}
	if n := len(primary.Calls()); n != 1 {
		t.Errorf("primary spoke %d times, want 1 before its circuit opened", n)
	}
	if n := len(secondary.Calls()); n != 2 {
		t.Errorf("secondary spoke %d times, want 2", n)
	}
	if got := e.States()["a"]; got != resilience.StateOpen {
		t.Errorf("primary state = %v, want open", got)
	}
}

func TestEngineChain_CancelReachesEveryEngine(t *testing.T) {
	t.Parallel()
	primary := &speechmock.Engine{Block: true}
	secondary := &speechmock.Engine{}
	e := newEngineChain(primary, secondary)

	started := primary.Started()
	done := make(chan error, 1)
	go func() { done <- e.Speak(context.Background(), speech.Utterance{Text: "Long text."}) }()
	<-started

	e.Cancel()
	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Speak = %v, want context.Canceled", err)
	}
	if primary.Cancels() != 1 || secondary.Cancels() != 1 {
		t.Errorf("cancels = %d, %d; want 1, 1", primary.Cancels(), secondary.Cancels())
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("cancelled utterance was retried on the secondary %d times", n)
	}
	if got := e.States()["a"]; got != resilience.StateClosed {
		t.Errorf("primary state = %v, want closed after a cancellation", got)
	}
}

func TestEngineChain_CancelledContext(t *testing.T) {
	t.Parallel()
	primary := &speechmock.Engine{}
	e := newEngineChain(primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Speak(ctx, speech.Utterance{Text: "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Speak = %v, want context.Canceled", err)
	}
	if n := len(primary.Calls()); n != 0 {
		t.Errorf("engine called %d times with a cancelled context", n)
	}
}

func TestEngineChain_Voices(t *testing.T) {
	t.Parallel()
	want := []speech.Voice{{ID: "en-us", Name: "English (America)", Lang: "en-US"}}
	e := newEngineChain(
		&speechmock.Engine{VoicesErr: errSynth},
		&speechmock.Engine{VoicesResult: want},
	)
	got, err := e.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("Voices = %+v, want %+v", got, want)
	}
}

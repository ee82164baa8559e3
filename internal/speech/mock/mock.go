// Package mock provides a test double for the speech.Engine interface.
//
// Speak either returns immediately or, when Block is set, waits until Cancel
// is called or the context ends, which lets tests hold a coordinator in the
// playing state.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/readaloud/internal/speech"
)

// Engine is a mock implementation of speech.Engine.
type Engine struct {
	mu sync.Mutex

	// Block makes Speak wait for Cancel or context cancellation.
	Block bool

	// SpeakErr, if non-nil, is returned from Speak.
	SpeakErr error

	// VoicesResult is returned by Voices.
	VoicesResult []speech.Voice

	// VoicesErr, if non-nil, is returned from Voices.
	VoicesErr error

	// SpeakCalls records every utterance passed to Speak in order.
	SpeakCalls []speech.Utterance

	// CancelCalls counts calls to Cancel.
	CancelCalls int

	cancelCh chan struct{}
	started  chan speech.Utterance
}

var _ speech.Engine = (*Engine)(nil)

// Started returns a channel that receives every utterance as Speak begins.
// It is buffered; utterances are dropped when nobody reads.
func (e *Engine) Started() <-chan speech.Utterance {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started == nil {
		e.started = make(chan speech.Utterance, 64)
	}
	return e.started
}

// Speak records the call and returns SpeakErr, blocking first when Block is
// set.
func (e *Engine) Speak(ctx context.Context, u speech.Utterance) error {
	e.mu.Lock()
	e.SpeakCalls = append(e.SpeakCalls, u)
	if e.cancelCh == nil {
		e.cancelCh = make(chan struct{})
	}
	cancelCh := e.cancelCh
	block, err := e.Block, e.SpeakErr
	started := e.started
	e.mu.Unlock()

	if started != nil {
		select {
		case started <- u:
		default:
		}
	}
	if err != nil {
		return err
	}
	if !block {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("mock: speak: %w", context.Canceled)
	case <-cancelCh:
		return fmt.Errorf("mock: speak: %w", context.Canceled)
	}
}

// Cancel records the call and releases every blocked Speak.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CancelCalls++
	if e.cancelCh != nil {
		close(e.cancelCh)
		e.cancelCh = nil
	}
}

// Voices records nothing and returns VoicesResult, VoicesErr.
func (e *Engine) Voices(context.Context) ([]speech.Voice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.VoicesResult, e.VoicesErr
}

// Calls returns a copy of SpeakCalls. Thread-safe.
func (e *Engine) Calls() []speech.Utterance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]speech.Utterance, len(e.SpeakCalls))
	copy(out, e.SpeakCalls)
	return out
}

// Cancels returns CancelCalls. Thread-safe.
func (e *Engine) Cancels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CancelCalls
}

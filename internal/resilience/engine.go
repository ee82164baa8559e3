package resilience

import (
	"context"

	"github.com/MrWong99/readaloud/internal/speech"
)

// EngineChain is a [speech.Engine] that speaks through the first healthy
// synthesiser of a [Chain]. A synthesiser that keeps failing is skipped
// until its breaker probes it again.
type EngineChain struct {
	chain *Chain[speech.Engine]
}

var _ speech.Engine = (*EngineChain)(nil)

// NewEngineChain creates an EngineChain trying engines in order.
func NewEngineChain(cfg BreakerConfig, engines []Named[speech.Engine], opts ...BreakerOption) *EngineChain {
	return &EngineChain{chain: NewChain(cfg, engines, opts...)}
}

// Speak speaks u with the first engine that does not fail. A cancelled
// utterance is not retried elsewhere.
func (e *EngineChain) Speak(ctx context.Context, u speech.Utterance) error {
	return e.chain.Do(func(eng speech.Engine) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return eng.Speak(ctx, u)
	})
}

// Cancel cancels every member, whichever one is speaking.
func (e *EngineChain) Cancel() {
	e.chain.Each(func(_ string, eng speech.Engine) { eng.Cancel() })
}

// Voices lists the voices of the first engine that answers.
func (e *EngineChain) Voices(ctx context.Context) ([]speech.Voice, error) {
	return Call(e.chain, func(eng speech.Engine) ([]speech.Voice, error) {
		return eng.Voices(ctx)
	})
}

// States reports the breaker state per engine name.
func (e *EngineChain) States() map[string]State { return e.chain.States() }

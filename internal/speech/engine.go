// Package speech defines the host speech-synthesis capability used by
// playback coordinators.
//
// An [Engine] speaks one utterance at a time per call and can cancel
// everything it is currently speaking. The package ships [CommandEngine],
// which drives a locally installed synthesiser (espeak-ng, espeak or the
// macOS say command), and [MatchVoice] for resolving a stored voice choice
// against the voices the engine actually offers.
//
// Implementations must be safe for concurrent use.
package speech

import (
	"context"
	"strings"

	"github.com/antzucaro/matchr"
)

// Voice describes one voice offered by an engine.
type Voice struct {
	// ID is the engine-specific identifier passed back in [Utterance.VoiceID].
	ID string `json:"id"`

	// Name is the human-readable voice name.
	Name string `json:"name"`

	// Lang is the BCP 47 language tag the voice speaks, e.g. "en-US".
	Lang string `json:"lang"`
}

// Utterance is a single piece of text to speak together with its voice
// parameters.
type Utterance struct {
	Text    string
	Lang    string
	VoiceID string

	// Rate is the speaking rate relative to the engine default (1.0).
	Rate float64

	// Pitch is the pitch relative to the engine default (1.0).
	Pitch float64
}

// Engine is the abstraction over a speech synthesiser.
type Engine interface {
	// Speak speaks u and blocks until it finished, ctx was cancelled or
	// Cancel was called. A cancelled utterance returns an error wrapping
	// context.Canceled.
	Speak(ctx context.Context, u Utterance) error

	// Cancel stops every utterance currently being spoken. It is safe to call
	// when nothing is speaking.
	Cancel()

	// Voices lists the voices the engine offers.
	Voices(ctx context.Context) ([]Voice, error)
}

// nameMatchThreshold is the minimum Jaro-Winkler similarity for a fuzzy voice
// name match.
const nameMatchThreshold = 0.85

// MatchVoice resolves want against voices. It tries, in order: an exact ID
// match, a case-insensitive name match, the most similar name above the
// fuzzy threshold, and finally the first voice speaking lang. The boolean is
// false when nothing fits.
func MatchVoice(voices []Voice, want, lang string) (Voice, bool) {
	if want != "" {
		for _, v := range voices {
			if v.ID == want {
				return v, true
			}
		}
		for _, v := range voices {
			if strings.EqualFold(v.Name, want) {
				return v, true
			}
		}

		var (
			best      Voice
			bestScore float64
		)
		lw := strings.ToLower(want)
		for _, v := range voices {
			if s := matchr.JaroWinkler(lw, strings.ToLower(v.Name), false); s > bestScore {
				best, bestScore = v, s
			}
		}
		if bestScore >= nameMatchThreshold {
			return best, true
		}
	}

	if lang == "" {
		return Voice{}, false
	}
	for _, v := range voices {
		if SameLanguage(v.Lang, lang) {
			return v, true
		}
	}
	base := BaseLanguage(lang)
	for _, v := range voices {
		if BaseLanguage(v.Lang) == base {
			return v, true
		}
	}
	return Voice{}, false
}

// SameLanguage reports whether two language tags are equal, ignoring case
// and the separator style ("en_US" equals "en-us").
func SameLanguage(a, b string) bool {
	return strings.EqualFold(normalizeTag(a), normalizeTag(b))
}

// BaseLanguage returns the primary subtag of a language tag in lower case:
// "en-US" becomes "en".
func BaseLanguage(tag string) string {
	tag = normalizeTag(tag)
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func normalizeTag(tag string) string {
	return strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
}

// Package prefs holds the shared playback preferences record and the store
// that persists it across pages and processes.
//
// A [Store] sits on top of a [Backend], a single named slot in some
// persistent key/value storage that other contexts (processes, pages) can
// also read and write. Writes by one context surface as change
// notifications in every other context sharing the backend, never in the
// writer itself.
package prefs

import (
	"encoding/json"
	"maps"
)

// Built-in defaults used when neither persisted state nor caller-supplied
// defaults provide a value.
const (
	DefaultRate  = 1.0
	DefaultPitch = 1.0
)

// Preferences is the full playback preference record. Its JSON form is the
// persisted shape: {"rate": n, "pitch": n, "languageVoices": {tag: voiceID}}.
type Preferences struct {
	Rate           float64           `json:"rate"`
	Pitch          float64           `json:"pitch"`
	LanguageVoices map[string]string `json:"languageVoices"`
}

// Defaults returns the built-in preference record.
func Defaults() Preferences {
	return Preferences{
		Rate:           DefaultRate,
		Pitch:          DefaultPitch,
		LanguageVoices: map[string]string{},
	}
}

// Partial is a preference record where every key is optional. A nil field
// means the key is absent and does not override anything.
type Partial struct {
	Rate           *float64          `json:"rate,omitempty" yaml:"rate,omitempty"`
	Pitch          *float64          `json:"pitch,omitempty" yaml:"pitch,omitempty"`
	LanguageVoices map[string]string `json:"languageVoices,omitempty" yaml:"language_voices,omitempty"`
}

// Float returns a pointer to v, for building a [Partial].
func Float(v float64) *float64 { return &v }

// Overlay returns a copy of p with every key present in o replaced.
func (p Preferences) Overlay(o Partial) Preferences {
	out := p.Clone()
	if o.Rate != nil {
		out.Rate = *o.Rate
	}
	if o.Pitch != nil {
		out.Pitch = *o.Pitch
	}
	if o.LanguageVoices != nil {
		out.LanguageVoices = maps.Clone(o.LanguageVoices)
	}
	return out
}

// Clone returns a deep copy of p. A nil voice map becomes an empty map.
func (p Preferences) Clone() Preferences {
	out := p
	out.LanguageVoices = make(map[string]string, len(p.LanguageVoices))
	maps.Copy(out.LanguageVoices, p.LanguageVoices)
	return out
}

// Equal reports whether p and o hold the same values. Nil and empty voice
// maps compare equal.
func (p Preferences) Equal(o Preferences) bool {
	return p.Rate == o.Rate && p.Pitch == o.Pitch && maps.Equal(p.LanguageVoices, o.LanguageVoices)
}

// Voice returns the voice chosen for the language tag, if any.
func (p Preferences) Voice(lang string) (string, bool) {
	v, ok := p.LanguageVoices[lang]
	return v, ok
}

// WithVoice returns a copy of p with the voice for lang set to voiceID. An
// empty voiceID removes the choice.
func (p Preferences) WithVoice(lang, voiceID string) Preferences {
	out := p.Clone()
	if voiceID == "" {
		delete(out.LanguageVoices, lang)
	} else {
		out.LanguageVoices[lang] = voiceID
	}
	return out
}

// MarshalJSON always emits an object for languageVoices, never null.
func (p Preferences) MarshalJSON() ([]byte, error) {
	type plain Preferences
	c := p.Clone()
	return json.Marshal(plain(c))
}

// decodePartial parses a persisted record. Keys that are missing or null
// stay absent.
func decodePartial(data []byte) (Partial, error) {
	var p Partial
	if err := json.Unmarshal(data, &p); err != nil {
		return Partial{}, err
	}
	return p, nil
}

package session

import (
	"errors"
	"regexp"

	"golang.org/x/net/html"

	"github.com/MrWong99/readaloud/internal/playback"
	"github.com/MrWong99/readaloud/internal/prefs"
)

// Start failure reasons. The error strings are the wire names reported to
// callers.
var (
	// ErrSpeechSynthesisNotSupported means no speech engine is available.
	ErrSpeechSynthesisNotSupported = errors.New("speech_synthesis_not_supported")

	// ErrSystemNotSupported means the platform check rejected the host.
	ErrSystemNotSupported = errors.New("system_not_supported")

	// ErrAlreadyStarted is returned by a Start call while the manager is
	// starting or running.
	ErrAlreadyStarted = errors.New("session: already started")
)

// Options configures one run of a [Manager].
type Options struct {
	// Root is the subtree to manage. Nil means the document body.
	Root *html.Node

	// ContentSelector selects the content regions. Empty means
	// content.DefaultSelector.
	ContentSelector string

	// Chunkify is forwarded to every coordinator.
	Chunkify playback.ChunkifyOptions

	// UseDashicons is forwarded to every coordinator.
	UseDashicons bool

	// DefaultUtteranceOptions are the preference defaults. Persisted state
	// overrides them key by key.
	DefaultUtteranceOptions prefs.Partial

	// HasSystemSupport reports whether the host platform is supported. Nil
	// means [DefaultHasSystemSupport].
	HasSystemSupport func(userAgent string) bool

	// UserAgent is passed to HasSystemSupport.
	UserAgent string
}

// unsupportedPlatforms matches user agents of mobile platforms whose speech
// engines stop after the first utterance.
var unsupportedPlatforms = regexp.MustCompile(`(?i)\b(android|iphone|ipad|ipod)\b`)

// DefaultHasSystemSupport rejects Android and iOS user agents.
func DefaultHasSystemSupport(userAgent string) bool {
	return !unsupportedPlatforms.MatchString(userAgent)
}

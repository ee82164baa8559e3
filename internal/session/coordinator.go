package session

import (
	"golang.org/x/net/html"

	"github.com/MrWong99/readaloud/internal/dom"
	"github.com/MrWong99/readaloud/internal/playback"
	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/speech"
)

// Coordinator is the per-region playback contract the manager relies on.
//
// Implementations deliver events synchronously and never while holding a
// lock that their own methods need, so handlers may call back into any
// coordinator. SetPreferences must not emit [playback.KindPreferencesChanged].
type Coordinator interface {
	Initialize()
	Destroy()
	Stop()
	SetPreferences(p prefs.Preferences)
	Subscribe(kind playback.EventKind, h playback.Handler) (unsubscribe func())
}

// CoordinatorConfig holds everything needed to build a coordinator for one
// region.
type CoordinatorConfig struct {
	ID           string
	Region       *html.Node
	Document     *dom.Document
	Engine       speech.Engine
	Preferences  prefs.Preferences
	Chunkify     playback.ChunkifyOptions
	UseDashicons bool
}

// NewCoordinatorFunc builds a coordinator. The manager calls Initialize.
type NewCoordinatorFunc func(cfg CoordinatorConfig) Coordinator

// NewPlaybackCoordinator builds the default [playback.Speech] coordinator.
func NewPlaybackCoordinator(cfg CoordinatorConfig) Coordinator {
	return playback.New(playback.Options{
		ID:           cfg.ID,
		Region:       cfg.Region,
		Document:     cfg.Document,
		Engine:       cfg.Engine,
		Preferences:  cfg.Preferences,
		Chunkify:     cfg.Chunkify,
		UseDashicons: cfg.UseDashicons,
	})
}

var _ Coordinator = (*playback.Speech)(nil)

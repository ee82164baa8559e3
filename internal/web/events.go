package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/readaloud/internal/observe"
	"github.com/MrWong99/readaloud/internal/session"
)

const writeTimeout = 5 * time.Second

// events streams manager events to a websocket client as JSON text frames.
// A client that falls more than the event buffer behind is disconnected.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the error response.
		slog.Debug("web: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	log := observe.Logger(r.Context())
	// Only control frames are expected from the client.
	ctx := conn.CloseRead(r.Context())

	queue := make(chan session.Event, s.eventBuf)
	overflow := make(chan struct{})
	var once sync.Once
	unsubscribe := s.manager.Watch(func(ev session.Event) {
		select {
		case queue <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	log.Debug("web: event stream opened")
	for {
		select {
		case <-ctx.Done():
			log.Debug("web: event stream closed", "err", ctx.Err())
			return
		case <-overflow:
			log.Warn("web: event stream client too slow, disconnecting")
			conn.Close(websocket.StatusPolicyViolation, "event buffer overflow")
			return
		case ev := <-queue:
			if err := writeEvent(ctx, conn, ev); err != nil {
				log.Debug("web: event stream write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

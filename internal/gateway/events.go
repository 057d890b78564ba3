package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentq/internal/bus"
)

const wsWriteTimeout = 5 * time.Second

// handleEvents upgrades to a WebSocket and forwards every bus event under
// agents: (or under the narrower ?topic= prefix) as a JSON message. The
// stream is one-way; client messages are discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	prefix := bus.TopicPrefix
	if t := r.URL.Query().Get("topic"); t != "" {
		if !strings.HasPrefix(t, bus.TopicPrefix) {
			writeError(w, http.StatusBadRequest, "topic must start with "+bus.TopicPrefix)
			return
		}
		prefix = t
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	sub := s.cfg.Bus.Subscribe(prefix)
	s.wsClients.Add(1)
	s.logger.Info("ws: client connected", "topic", prefix)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.wsClients.Add(-1)
		s.logger.Info("ws: client disconnected", "events_dropped", sub.Dropped())
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// CloseRead handles control frames and cancels ctx when the peer goes
	// away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed, closing", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

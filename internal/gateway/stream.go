package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// streamPrefixes are the bus topic families a client may subscribe to.
var streamPrefixes = map[string]bool{
	"review.": true,
	"graph.":  true,
	"llm.":    true,
}

// handleWS upgrades to a websocket and forwards bus events whose topic
// starts with ?prefix= (default "review."). The stream is one-way; client
// messages are discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "review."
	}
	if !streamPrefixes[prefix] {
		writeError(w, http.StatusBadRequest, "unsupported prefix "+prefix)
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	principal := PrincipalFromContext(r.Context())
	s.logger.Info("ws: client connected", "prefix", prefix, "principal", principal)
	defer func() {
		s.logger.Info("ws: client disconnecting", "principal", principal)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// CloseRead keeps control frames flowing and cancels ctx when the peer
	// goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

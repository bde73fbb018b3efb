package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is one bus event forwarded to a WebSocket subscriber.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS implements GET /ws?topic=<prefix>. The connection receives every
// bus event matching the prefix (default: all turn and lifecycle events).
// Delivery is best-effort: the bus drops events for slow consumers rather
// than blocking publishers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Events == nil {
		http.Error(w, "event stream not available: bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Events.Subscribe(prefix)
	defer s.cfg.Events.Unsubscribe(sub)

	s.logger.Info("ws: client connected", "topic_prefix", prefix)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("ws: client disconnected")
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wsEvent{Topic: event.Topic, Payload: event.Payload}); err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader mirrors the buffer sizing and origin-check shape of the
// example pack's ui/transports/websocket.WebSocketTransport, trimmed to
// gatewayd's single outbound event feed (no inbound client messages).
var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// handleStreamWS is the WebSocket fallback transport for clients that
// cannot hold an SSE connection open (spec §6 "SSE / websocket
// streaming ... fallback transport alongside native net/http SSE").
// It carries the live broadcast only; Last-Event-ID replay is SSE-only,
// matching the spec's one normative replay path.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.Stream.Subscribe(64)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/wjlgatech/epiloop/internal/auth"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// upgrader follows the teacher-adjacent gorilla/websocket pattern observed
// in fuchsia74-one-api's realtime relay: permissive CheckOrigin (any Origin
// is accepted; cmd/gateway listens on all interfaces, whatever the
// configured bind mode) and a bounded handshake timeout.
var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// ServeWS upgrades an HTTP request to the multiplexed WebSocket protocol of
// spec.md §6 and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	send := func(f Frame) error {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteJSON(f)
	}

	var conn *Conn
	defer func() {
		if conn != nil {
			h.Disconnect(conn)
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	req := auth.FromHTTP(r)
	ctx := r.Context()

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}

		switch f.Type {
		case FrameConnect:
			var payload ConnectPayload
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				_ = send(Frame{Type: FrameError, Payload: mustJSON(ErrorPayload{Code: "bad_payload", Reason: err.Error()})})
				return
			}
			c, aerr := h.HandleConnect(req, payload, send)
			if aerr != nil {
				_ = send(Frame{Type: FrameError, Payload: mustJSON(*aerr)})
				return
			}
			conn = c
			_ = send(Frame{Type: FrameConnected, ID: conn.ID})

		case FrameInbound:
			if conn == nil {
				continue
			}
			var payload InboundPayload
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				continue
			}
			h.dispatchFromWire(ctx, payload)

		case FrameNodeReply:
			h.CorrelateNodeReply(f)

		case FrameEventIndicator, FrameEventHeartbeat, FrameNodeEvent:
			// Informational frames from channel plugins/nodes; currently
			// fire-and-forget. Extension point for future audit wiring.

		case FramePairRequest:
			if conn == nil {
				continue
			}
			var payload DevicePairing
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				continue
			}
			h.RequestPairing("", payload.Code, rolesOf(payload.Roles))

		default:
			_ = send(Frame{Type: FrameError, Payload: mustJSON(ErrorPayload{Code: "unknown_frame_type", Reason: string(f.Type)})})
		}
	}
}

func rolesOf(raw []string) []models.NodeRole {
	out := make([]models.NodeRole, len(raw))
	for i, r := range raw {
		out[i] = models.NodeRole(r)
	}
	return out
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// dispatchFromWire wires an inbound WebSocket frame into HandleInbound using
// whatever plugin registry/runner the Hub was built with. The host sets
// the runner through New and the channel deliverers through WireChannel.
func (h *Hub) dispatchFromWire(ctx context.Context, payload InboundPayload) {
	h.mu.RLock()
	deliverer, ok := h.deliverers[payload.Channel]
	h.mu.RUnlock()
	if !ok {
		log.Warn().Str("channel", payload.Channel).Msg("inbound from unregistered channel plugin")
		return
	}
	h.HandleInbound(ctx, payload, deliverer, "")
}

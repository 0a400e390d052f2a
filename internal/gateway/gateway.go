package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/travisghansen/fanout/internal/relay"
)

// sendBuffer is the per-session outbound queue depth. A session whose
// buffer fills is dropped by the engine rather than delaying delivery to
// other subscribers.
const sendBuffer = 256

// Handler upgrades HTTP requests to WebSocket sessions speaking the same
// line protocol as TCP peers: one text frame carries one (or more
// newline-separated) protocol lines inbound, and each outbound line is one
// text frame. Sessions are first-class graph peers and count against the
// client limit.
type Handler struct {
	engine *relay.Engine
	log    zerolog.Logger
}

// New builds the /ws handler.
func New(engine *relay.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("component", "gateway").Logger(),
	}
}

// ServeHTTP implements the upgrade path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	send := make(chan []byte, sendBuffer)
	handle, err := h.engine.AttachSession(r.RemoteAddr, send)
	if err != nil {
		// Mirror the TCP admission behaviour: one busy line, then close.
		if err == relay.ErrBusy {
			wsutil.WriteServerMessage(conn, ws.OpText, []byte("debug!busy\n"))
		}
		conn.Close()
		return
	}

	h.log.Info().Str("addr", r.RemoteAddr).Int("peer", handle).Msg("session upgraded")
	go h.writePump(conn, send)
	go h.readPump(conn, handle)
}

// writePump forwards engine deliveries to the socket. The engine closes
// send when the session is torn down; the close frame is the FIN.
func (h *Handler) writePump(conn net.Conn, send chan []byte) {
	for line := range send {
		if err := wsutil.WriteServerMessage(conn, ws.OpText, line); err != nil {
			// Reader side will observe the dead socket and detach.
			break
		}
	}
	wsutil.WriteServerMessage(conn, ws.OpClose, nil)
	conn.Close()
}

// readPump feeds inbound frames into the engine's dispatcher.
func (h *Handler) readPump(conn net.Conn, handle int) {
	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			h.engine.DetachSession(handle)
			return
		}
		switch op {
		case ws.OpText:
			for _, line := range strings.Split(string(msg), "\n") {
				if line == "" {
					continue
				}
				h.engine.SessionLine(handle, line)
			}
		case ws.OpClose:
			h.engine.DetachSession(handle)
			return
		}
	}
}

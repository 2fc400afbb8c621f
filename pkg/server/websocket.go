package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/cyberchat/pkg/protocol"
	"github.com/aeolun/cyberchat/pkg/transport"
)

// Inbound WebSocket messages are a byte stream of frames; a single message
// may carry a few of them, but never more than this.
const wsReadLimit = 4 * (protocol.HeaderSize + protocol.MaxFrameSize)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // any origin
}

// HandleWebSocket upgrades the request and runs a session over it. The
// message stream is adapted to a byte stream so WebSocket clients share the
// TCP handshake and session loop unchanged.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(wsReadLimit)

	if !s.track() {
		ws.Close()
		return
	}
	defer s.wg.Done()

	s.handleConnection(transport.NewWebSocketConn(ws), ConnTypeWebSocket)
}

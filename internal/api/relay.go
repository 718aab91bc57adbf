package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/vigil-app/vigil-server/internal/relay"
)

// RelayHandler serves the WebSocket upgrade endpoint for producers and
// consumers.
type RelayHandler struct {
	relay *relay.Relay
}

// NewRelayHandler creates a new relay handler.
func NewRelayHandler(r *relay.Relay) *RelayHandler {
	return &RelayHandler{relay: r}
}

// Upgrade handles GET /ws. It upgrades the HTTP connection to a WebSocket and
// hands it to the relay; the socket identifies its role in its first frame.
func (h *RelayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.relay.ServeWebSocket(conn.Conn)
	})(c)
}

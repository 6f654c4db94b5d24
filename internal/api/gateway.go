package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/edgegate/edgegate/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the real-time gateway.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET /ws/connect. Credentials travel as query parameters because browsers cannot set headers on a
// WebSocket handshake; they are captured before the upgrade and verified by the Hub.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if h.hub.Draining() {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Server is shutting down")
	}

	sessionID := c.Query("session_id")
	token := c.Query("token")

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, sessionID, token)
	})(c)
}

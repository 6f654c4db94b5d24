package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/internal/httputil"
	"github.com/edgegate/edgegate/internal/store"
)

// HealthHandler serves liveness probes for the HTTP plane and the socket plane.
type HealthHandler struct {
	store *store.Store
	hub   *gateway.Hub
	cfg   *config.Config
	log   zerolog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(st *store.Store, hub *gateway.Hub, cfg *config.Config, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{store: st, hub: hub, cfg: cfg, log: logger}
}

// Health handles GET /health. The probe fails when the shared store is unreachable, since every operation depends
// on it.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	if err := h.store.Client().Ping(c).Err(); err != nil {
		h.log.Error().Err(err).Msg("Health check failed: store unreachable")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.ErrInternal, "Store unreachable")
	}

	return httputil.Success(c, fiber.Map{
		"status":     "ok",
		"gateway_id": h.cfg.GatewayID,
	})
}

// WSHealth handles GET /ws/health. It reports this replica's socket count and the heartbeat configuration clients
// should expect.
func (h *HealthHandler) WSHealth(c fiber.Ctx) error {
	return httputil.Success(c, fiber.Map{
		"status":             "ok",
		"gateway_id":         h.cfg.GatewayID,
		"active_connections": h.hub.ClientCount(),
		"ping_interval":      int(h.cfg.PingInterval.Seconds()),
		"pong_timeout":       int(h.cfg.PongTimeout.Seconds()),
		"inactivity_timeout": int(h.cfg.InactivityTimeout.Seconds()),
	})
}

// Package gateway owns the WebSocket side of the session plane: the handshake, the per-connection lifecycle, the
// role-gated inbound dispatch, and the relay of bus events down to clients. Session and connection state live in
// their own packages; the gateway only orchestrates them.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/bus"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/connection"
	"github.com/edgegate/edgegate/internal/session"
)

// drainPeriod is how long a single draining client gets to flush its outbox before it is closed; shutdownDrain is
// the fleet-wide window during replica shutdown.
const (
	drainPeriod   = 2 * time.Second
	shutdownDrain = 5 * time.Second
)

// Hub tracks this replica's live WebSocket clients. Multiple sockets may serve the same session; each is tracked
// and torn down independently.
type Hub struct {
	cfg         *config.Config
	sessions    *session.Registry
	connections *connection.Registry
	events      *bus.Bus
	dedupe      *dedupeCache
	log         zerolog.Logger

	draining atomic.Bool

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a gateway hub.
func NewHub(
	cfg *config.Config,
	sessions *session.Registry,
	connections *connection.Registry,
	events *bus.Bus,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:         cfg,
		sessions:    sessions,
		connections: connections,
		events:      events,
		dedupe:      newDedupeCache(dedupeTTL),
		clients:     make(map[string]*Client),
		log:         logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeWebSocket runs the handshake for an upgraded connection and, on success, serves it until it drops. Every
// handshake failure closes with a policy violation so clients can distinguish auth problems from transport ones.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, sessionID, token string) {
	if h.draining.Load() {
		h.refuse(conn, "server shutting down")
		return
	}

	claims, err := auth.ValidateToken(token, h.cfg.SecretKey)
	if err != nil {
		h.log.Debug().Err(err).Msg("Handshake token validation failed")
		h.refuse(conn, "invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", sessionID).Msg("Handshake session lookup failed")
		h.refuse(conn, "unknown or expired session")
		return
	}
	if s.UserID != claims.Subject {
		h.log.Debug().Str("session_id", sessionID).Str("subject", claims.Subject).
			Msg("Handshake session ownership mismatch")
		h.refuse(conn, "session does not belong to token subject")
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		out:       newOutbox(),
		id:        uuid.NewString(),
		username:  claims.Subject,
		sessionID: sessionID,
		role:      claims.Role,
		done:      make(chan struct{}),
		log: h.log.With().
			Str("session_id", sessionID).
			Str("username", claims.Subject).
			Logger(),
	}
	if claims.ExpiresAt != nil {
		client.expiresAt = claims.ExpiresAt.Time
	}

	client.userSub, err = h.events.Subscribe(ctx, bus.UserTopic(client.username))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to subscribe user topic")
		h.refuseWithCode(conn, CloseInternalError, "subscription failed")
		return
	}
	client.sessSub, err = h.events.Subscribe(ctx, bus.SessionTopic(sessionID))
	if err != nil {
		client.userSub.Close()
		h.log.Error().Err(err).Msg("Failed to subscribe session topic")
		h.refuseWithCode(conn, CloseInternalError, "subscription failed")
		return
	}

	h.register(client)
	h.connections.Register(ctx, sessionID)

	welcome, err := NewWelcomeFrame(
		client.username, sessionID, h.connections.GatewayID(),
		h.cfg.PingInterval, h.cfg.InactivityTimeout,
	)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build welcome frame")
		h.cleanup(client)
		h.refuseWithCode(conn, CloseInternalError, "internal error")
		return
	}
	client.enqueue(welcome, true)

	client.markAlive()
	client.state.Store(stateActive)
	h.connections.MarkConnected(ctx, sessionID, true)

	client.log.Info().Msg("Client connected")

	go client.writePump()
	go client.eventPump()
	client.readPump()
}

// dispatch routes one inbound frame through the role gate to its handler.
func (h *Hub) dispatch(c *Client, frame *Frame) {
	if !knownType(frame.Type) {
		h.sendError(c, "unsupported message type")
		return
	}
	if !permitted(c.Role(), frame.Type) {
		h.sendError(c, "not permitted")
		return
	}

	switch frame.Type {
	case TypePing:
		if pong, err := NewPongFrame(frame.TS); err == nil {
			c.enqueue(pong, false)
		}
	case TypePong:
		c.markAlive()
		h.connections.Heartbeat(context.Background(), c.sessionID)
	case TypeUpdateAPIKey:
		h.handleUpdateAPIKey(c, frame)
	case TypeChatMessage:
		h.handleChatMessage(c, frame)
	case TypeAdminCommand:
		h.handleAdminCommand(c, frame)
	}
}

// handleUpdateAPIKey merges the new key into the session data and acknowledges. The merge rides the batch layer, so
// a burst of rotations within one flush window costs a single store write and the last key wins. Retries within the
// dedup window are acknowledged without repeating the merge.
func (h *Hub) handleUpdateAPIKey(c *Client, frame *Frame) {
	key := frame.apiKey()
	if key == "" {
		h.sendError(c, "key is required")
		return
	}

	if !h.dedupe.seen(c.sessionID + "|" + key) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := h.sessions.Update(ctx, c.sessionID, map[string]any{"api_key": key}, ""); err != nil {
			c.log.Warn().Err(err).Msg("Failed to store API key")
			h.sendError(c, "update failed")
			return
		}
	} else {
		c.log.Debug().Msg("Duplicate API key update suppressed")
	}

	if ack, err := NewAckFrame(key, c.sessionID); err == nil {
		c.enqueue(ack, false)
	}
}

// handleAdminCommand runs the admin-only command set. Commands act on this replica; fleet-wide administration goes
// through the HTTP admin surface.
func (h *Hub) handleAdminCommand(c *Client, frame *Frame) {
	switch frame.Command {
	case "stats":
		if stats, err := NewStatsFrame(h.connections.GatewayID(), h.ClientCount()); err == nil {
			c.enqueue(stats, false)
		}
	default:
		h.sendError(c, "unknown admin command")
	}
}

// chatRelay is the envelope published for relayed chat messages.
type chatRelay struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	Message   json.RawMessage `json:"message"`
}

// handleChatMessage relays the payload to every socket serving this session, on any replica, via the session topic.
func (h *Hub) handleChatMessage(c *Client, frame *Frame) {
	ev := chatRelay{
		Type:      bus.EventChatMessage,
		SessionID: c.sessionID,
		From:      c.username,
		Message:   frame.Message,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.events.Publish(ctx, bus.SessionTopic(c.sessionID), ev); err != nil {
		c.log.Warn().Err(err).Msg("Failed to relay chat message")
		h.sendError(c, "relay failed")
	}
}

func (h *Hub) sendError(c *Client, detail string) {
	if frame, err := NewErrorFrame(detail); err == nil {
		c.enqueue(frame, false)
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
}

// cleanup tears a client down exactly once: subscriptions close, the connection record flips to disconnected, and
// the disconnect event is published for whoever is watching the session.
func (h *Hub) cleanup(client *Client) {
	client.cleanupOnce.Do(func() {
		client.state.Store(stateClosed)
		client.out.close()
		close(client.done)
		_ = client.conn.Close()

		client.userSub.Close()
		client.sessSub.Close()

		h.mu.Lock()
		delete(h.clients, client.id)
		remaining := len(h.clients)
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		h.connections.MarkConnected(ctx, client.sessionID, false)
		ev := bus.DisconnectedEvent{
			Type:      bus.EventDisconnected,
			SessionID: client.sessionID,
			GatewayID: h.connections.GatewayID(),
		}
		if err := h.events.Publish(ctx, bus.SessionTopic(client.sessionID), ev); err != nil {
			client.log.Warn().Err(err).Msg("Failed to publish disconnect")
		}

		client.log.Info().Int("remaining", remaining).Msg("Client disconnected")
	})
}

// Shutdown refuses new sockets, broadcasts the shutdown notice, lets clients drain, then closes every connection.
// New inbound messages are ignored while draining; the drain window ends early once every outbox is empty.
func (h *Hub) Shutdown() {
	h.draining.Store(true)

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) > 0 {
		frame, _ := NewShutdownFrame(h.connections.GatewayID())
		for _, c := range targets {
			c.state.Store(stateDraining)
			if frame != nil {
				c.enqueue(frame, true)
			}
		}

		deadline := time.Now().Add(shutdownDrain)
		for time.Now().Before(deadline) && !allDrained(targets) {
			time.Sleep(10 * time.Millisecond)
		}

		for _, c := range targets {
			msg := websocket.FormatCloseMessage(CloseNormal, "server shutting down")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			h.cleanup(c)
		}
	}

	h.log.Info().Int("closed", len(targets)).Msg("Gateway hub shut down")
}

// Draining reports whether shutdown has begun. New sockets are refused once it returns true.
func (h *Hub) Draining() bool { return h.draining.Load() }

func allDrained(clients []*Client) bool {
	for _, c := range clients {
		if !c.out.empty() {
			return false
		}
	}
	return true
}

// ClientCount returns the number of currently connected clients on this replica.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) refuse(conn *websocket.Conn, reason string) {
	h.refuseWithCode(conn, ClosePolicyViolation, reason)
}

func (h *Hub) refuseWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

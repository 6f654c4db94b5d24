package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/bus"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Connection lifecycle states. Handshaking ends when the welcome frame is queued; Draining connections relay
// nothing new and close once the drain period elapses.
const (
	stateHandshaking int32 = iota
	stateActive
	stateDraining
	stateClosed
)

// Client is a single WebSocket connection bound to one session. Each client runs three goroutines: readPump,
// writePump, and eventPump (bus events plus the ping schedule).
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	out  *outbox
	log  zerolog.Logger

	id        string
	username  string
	sessionID string
	expiresAt time.Time

	mu   sync.RWMutex
	role string

	state       atomic.Int32
	lastInbound atomic.Int64
	lastPong    atomic.Int64

	userSub *bus.Subscription
	sessSub *bus.Subscription

	cleanupOnce sync.Once
	done        chan struct{}
}

// Username returns the authenticated username.
func (c *Client) Username() string { return c.username }

// SessionID returns the session this socket serves.
func (c *Client) SessionID() string { return c.sessionID }

// Role returns the current role, which can change mid-connection via a role_changed event.
func (c *Client) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) setRole(role string) {
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
}

func (c *Client) markAlive() {
	now := time.Now().UnixNano()
	c.lastInbound.Store(now)
	c.lastPong.Store(now)
}

// enqueue queues an outbound frame. Critical frames displace queued non-critical ones under backpressure.
func (c *Client) enqueue(msg []byte, critical bool) {
	if !c.out.push(msg, critical) {
		c.log.Warn().Msg("Outbound queue full, frame dropped")
	}
}

// readPump reads inbound messages until the connection drops. It owns the read deadline: any inbound traffic,
// including protocol-level pongs, counts as liveness.
func (c *Client) readPump() {
	defer c.hub.cleanup(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.InactivityTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.InactivityTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		c.lastInbound.Store(time.Now().UnixNano())
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.InactivityTimeout))

		if c.state.Load() != stateActive {
			continue
		}

		c.hub.sessions.Touch(context.Background(), c.sessionID)

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			// Malformed frames get an in-band error; the socket stays open.
			c.hub.sendError(c, "invalid JSON")
			continue
		}

		c.hub.dispatch(c, &frame)
	}
}

// writePump drains the outbox onto the wire. It exits when the outbox closes or a write fails.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		msg, ok := c.out.pop()
		if !ok {
			if c.out.isClosed() {
				return
			}
			select {
			case <-c.out.wait():
				continue
			case <-c.done:
				return
			}
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// eventPump relays bus events for this session and drives the application-level ping schedule.
func (c *Client) eventPump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.userSub.C():
			if !ok {
				return
			}
			c.handleUserEvent(ev)
		case ev, ok := <-c.sessSub.C():
			if !ok {
				return
			}
			c.handleSessionEvent(ev)
		case <-ticker.C:
			c.tickPing()
		}
	}
}

// tickPing enforces the liveness deadlines and sends the next application-level ping.
func (c *Client) tickPing() {
	if c.state.Load() != stateActive {
		return
	}

	now := time.Now()
	if !c.expiresAt.IsZero() && now.After(c.expiresAt) {
		c.drainAndClose(CloseNormal, "token expired")
		return
	}
	if now.Sub(time.Unix(0, c.lastInbound.Load())) > c.hub.cfg.InactivityTimeout {
		c.drainAndClose(CloseNormal, "inactivity timeout")
		return
	}
	if now.Sub(time.Unix(0, c.lastPong.Load())) > c.hub.cfg.PingInterval+c.hub.cfg.PongTimeout {
		c.drainAndClose(CloseNormal, "pong timeout")
		return
	}

	ping, err := NewPingFrame()
	if err != nil {
		return
	}
	c.enqueue(ping, false)
}

// handleUserEvent processes account-level events: logout severs the connection, role_changed takes effect on the
// next dispatched message.
func (c *Client) handleUserEvent(ev bus.Event) {
	switch bus.DecodeType(ev.Payload) {
	case bus.EventLogout:
		c.enqueue(ev.Payload, true)
		c.drainAndClose(CloseNormal, "logged out")
	case bus.EventRoleChanged:
		var rc bus.RoleChangedEvent
		if err := json.Unmarshal(ev.Payload, &rc); err != nil {
			return
		}
		c.setRole(rc.Role)
		c.enqueue(ev.Payload, false)
		c.log.Debug().Str("role", rc.Role).Msg("Role updated from event")
	}
}

// handleSessionEvent processes session-scoped events. Everything except the session teardown is relayed as-is.
func (c *Client) handleSessionEvent(ev bus.Event) {
	switch bus.DecodeType(ev.Payload) {
	case bus.EventSessionClosed:
		c.enqueue(ev.Payload, true)
		c.drainAndClose(CloseNormal, "session closed")
	case bus.EventDisconnected:
		// Informational; often this client's own teardown echoing back.
	default:
		c.enqueue(ev.Payload, false)
	}
}

// drainAndClose stops inbound dispatch, gives the writer a short window to flush queued frames, then tears the
// connection down with the given close code.
func (c *Client) drainAndClose(code int, reason string) {
	c.state.Store(stateDraining)
	deadline := time.Now().Add(drainPeriod)
	for time.Now().Before(deadline) && !c.out.empty() {
		time.Sleep(10 * time.Millisecond)
	}
	c.closeWithCode(code, reason)
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then tears the connection down.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
	c.hub.cleanup(c)
}

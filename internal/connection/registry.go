// Package connection tracks which replica serves each session's socket. Records live in the shared store so any
// replica can answer whether a session is online and where; each replica sweeps only its own stale entries.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/bus"
	"github.com/edgegate/edgegate/internal/store"
)

// ErrNotFound is returned when a session has no connection record.
var ErrNotFound = errors.New("connection not found")

// Hash fields of a connection record.
const (
	fieldGatewayID   = "gateway_id"
	fieldWSConnected = "ws_connected"
	fieldLastSeen    = "last_seen"
)

// Connection is the stored record for one session's socket.
type Connection struct {
	SessionID   string `json:"session_id"`
	GatewayID   string `json:"gateway_id"`
	WSConnected bool   `json:"ws_connected"`
	LastSeen    int64  `json:"last_seen"`
}

// Registry manages connection records and the connected_users index.
type Registry struct {
	store     *store.Store
	batch     *store.Batcher
	events    *bus.Bus
	gatewayID string
	stalency  time.Duration
	log       zerolog.Logger
}

// NewRegistry creates a connection registry. staleAfter is how long a record may go without a heartbeat before the
// sweeper reclaims it; callers set it to a small multiple of the ping interval.
func NewRegistry(s *store.Store, batch *store.Batcher, events *bus.Bus, gatewayID string, staleAfter time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		store:     s,
		batch:     batch,
		events:    events,
		gatewayID: gatewayID,
		stalency:  staleAfter,
		log:       logger.With().Str("component", "connections").Logger(),
	}
}

// GatewayID returns this replica's identity as written into records it owns.
func (r *Registry) GatewayID() string { return r.gatewayID }

// Register claims the session's connection record for this replica. Called during the WebSocket handshake, before
// the socket is marked live.
func (r *Registry) Register(ctx context.Context, sid string) {
	now := time.Now().Unix()
	r.batch.HSet(store.ConnectionKey(sid), map[string]string{
		fieldGatewayID:   r.gatewayID,
		fieldWSConnected: "false",
		fieldLastSeen:    strconv.FormatInt(now, 10),
	})
	r.batch.Expire(store.ConnectionKey(sid), r.stalency)
	r.batch.ZAdd(store.ConnectedUsersKey(), sid, float64(now))
}

// MarkConnected flips the socket-live flag once the handshake completes, or off when the socket drops but the
// record should linger. The connected_users index tracks the flag: only sessions with a live socket are listed.
func (r *Registry) MarkConnected(ctx context.Context, sid string, connected bool) {
	now := time.Now().Unix()
	r.batch.HSet(store.ConnectionKey(sid), map[string]string{
		fieldWSConnected: strconv.FormatBool(connected),
		fieldLastSeen:    strconv.FormatInt(now, 10),
	})
	// Disconnected records drop out of the index immediately and the hash ages out on its TTL unless the session
	// reconnects.
	r.batch.Expire(store.ConnectionKey(sid), r.stalency)
	if connected {
		r.batch.ZAdd(store.ConnectedUsersKey(), sid, float64(now))
	} else {
		r.batch.ZRem(store.ConnectedUsersKey(), sid)
	}
}

// Heartbeat refreshes the record's last-seen, keeping it ahead of the stale sweeper.
func (r *Registry) Heartbeat(ctx context.Context, sid string) {
	now := time.Now().Unix()
	r.batch.HSet(store.ConnectionKey(sid), map[string]string{
		fieldLastSeen: strconv.FormatInt(now, 10),
	})
	r.batch.Expire(store.ConnectionKey(sid), r.stalency)
	r.batch.ZAdd(store.ConnectedUsersKey(), sid, float64(now))
}

// Remove deletes the record and publishes a disconnected event on the session topic.
func (r *Registry) Remove(ctx context.Context, sid string) {
	r.batch.Del(store.ConnectionKey(sid))
	r.batch.ZRem(store.ConnectedUsersKey(), sid)

	ev := bus.DisconnectedEvent{Type: bus.EventDisconnected, SessionID: sid, GatewayID: r.gatewayID}
	if err := r.events.Publish(ctx, bus.SessionTopic(sid), ev); err != nil {
		r.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to publish disconnect")
	}
}

// Lookup returns the connection record for a session.
func (r *Registry) Lookup(ctx context.Context, sid string) (*Connection, error) {
	fields, err := r.store.HGetAll(ctx, store.ConnectionKey(sid))
	if err != nil {
		return nil, fmt.Errorf("read connection: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	c := &Connection{
		SessionID: sid,
		GatewayID: fields[fieldGatewayID],
	}
	c.WSConnected, _ = strconv.ParseBool(fields[fieldWSConnected])
	c.LastSeen, _ = strconv.ParseInt(fields[fieldLastSeen], 10, 64)

	return c, nil
}

// Connected returns the session IDs with a live record, oldest heartbeat first.
func (r *Registry) Connected(ctx context.Context) ([]string, error) {
	ids, err := r.store.ZRangeByScore(ctx, store.ConnectedUsersKey(), "-inf", "+inf")
	if err != nil {
		return nil, fmt.Errorf("read connected index: %w", err)
	}
	return ids, nil
}

// RunSweeper reclaims stale records owned by this replica on the given interval until ctx is cancelled. Records
// owned by other replicas are left alone; each replica cleans up after itself, and a crashed replica's records are
// reclaimed when it restarts under the same identity.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.stalency).Unix()
	ids, err := r.store.ZRangeByScore(ctx, store.ConnectedUsersKey(), "-inf", strconv.FormatInt(cutoff, 10))
	if err != nil {
		r.log.Warn().Err(err).Msg("Connection sweep scan failed")
		return
	}

	swept := 0
	for _, sid := range ids {
		c, err := r.Lookup(ctx, sid)
		if err != nil {
			// Index entry without a record; drop it regardless of owner.
			r.batch.ZRem(store.ConnectedUsersKey(), sid)
			continue
		}
		if c.GatewayID != r.gatewayID {
			continue
		}
		r.Remove(ctx, sid)
		swept++
	}

	if swept > 0 {
		r.log.Info().Int("swept", swept).Msg("Stale connections swept")
	}
}

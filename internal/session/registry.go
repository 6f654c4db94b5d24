package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/bus"
	"github.com/edgegate/edgegate/internal/store"
)

// touchInterval throttles last-access writes. Sockets touch their session on every inbound message; only one write
// per session per interval actually reaches the store.
const touchInterval = 30 * time.Second

// Registry manages session records in the shared store. All replicas observe the same state; session events fan out
// over the bus so the replica serving a session's socket learns about changes made anywhere.
type Registry struct {
	store   *store.Store
	batch   *store.Batcher
	events  *bus.Bus
	origin  string
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	touched map[string]time.Time

	// updateMu serializes read-merge-write cycles so patches queued within one flush window stack instead of
	// overwriting each other's pending state.
	updateMu sync.Mutex
}

// NewRegistry creates a session registry. origin is this replica's gateway id, stamped onto published update events;
// timeout is the idle lifetime after which sessions expire.
func NewRegistry(s *store.Store, batch *store.Batcher, events *bus.Bus, origin string, timeout time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		store:   s,
		batch:   batch,
		events:  events,
		origin:  origin,
		timeout: timeout,
		log:     logger.With().Str("component", "sessions").Logger(),
		touched: make(map[string]time.Time),
	}
}

// Create allocates a new session for the user, seeded with the given data. The record reaches the store on the
// next batch flush.
func (r *Registry) Create(ctx context.Context, username, chatID string, data map[string]any) (*Session, error) {
	if chatID == "" {
		chatID = DefaultChatID
	}
	if data == nil {
		data = map[string]any{}
	}
	now := time.Now().UTC()
	s := &Session{
		ID:         uuid.NewString(),
		UserID:     username,
		ChatID:     chatID,
		Data:       data,
		CreatedAt:  now,
		LastAccess: now,
	}

	r.batch.HSet(store.SessionKey(s.ID), s.fields())
	r.batch.Expire(store.SessionKey(s.ID), r.timeout)
	r.batch.SAdd(store.UserSessionsKey(username), s.ID)

	r.log.Debug().Str("session_id", s.ID).Str("username", username).Msg("Session created")
	return s, nil
}

// Get returns the session, expiring it lazily if it has been idle past the timeout.
func (r *Registry) Get(ctx context.Context, sid string) (*Session, error) {
	fields, err := r.store.HGetAll(ctx, store.SessionKey(sid))
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	s, err := fromFields(sid, fields)
	if err != nil {
		return nil, err
	}

	if s.ExpiredAt(time.Now(), r.timeout) {
		r.remove(ctx, s, "expired")
		return nil, ErrExpired
	}

	return s, nil
}

// Update deep-merges patch into the session's data, optionally retags the chat stream, bumps last access, and
// publishes a session_updated event carrying the patch. An empty chatID leaves the tag unchanged.
func (r *Registry) Update(ctx context.Context, sid string, patch map[string]any, chatID string) (*Session, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	// A data write queued earlier in this flush window is newer than anything the store returns. It is captured
	// before the read so a flush landing in between cannot slip a patch past the merge.
	pendingRaw, hasPending := r.batch.PendingField(store.SessionKey(sid), fieldData)

	s, err := r.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	if hasPending {
		pending := map[string]any{}
		if err := json.Unmarshal([]byte(pendingRaw), &pending); err == nil {
			s.Data = pending
		}
	}

	s.Data = mergeData(s.Data, patch)
	s.LastAccess = time.Now().UTC()

	raw, err := json.Marshal(s.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal session data: %w", err)
	}
	fields := map[string]string{
		fieldData:       string(raw),
		fieldLastAccess: s.LastAccess.Format(time.RFC3339Nano),
	}
	if chatID != "" {
		s.ChatID = chatID
		fields[fieldChatID] = chatID
	}
	r.batch.HSet(store.SessionKey(sid), fields)
	r.batch.Expire(store.SessionKey(sid), r.timeout)

	ev := bus.SessionUpdatedEvent{
		Type:      bus.EventSessionUpdated,
		SessionID: sid,
		UserID:    s.UserID,
		ChatID:    chatID,
		Data:      patch,
		Origin:    r.origin,
	}
	if err := r.events.Publish(ctx, bus.SessionTopic(sid), ev); err != nil {
		r.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to publish session update")
	}

	return s, nil
}

// Touch bumps the session's last access. Writes are throttled per session; most calls return without queueing
// anything.
func (r *Registry) Touch(ctx context.Context, sid string) {
	now := time.Now()

	r.mu.Lock()
	if last, ok := r.touched[sid]; ok && now.Sub(last) < touchInterval {
		r.mu.Unlock()
		return
	}
	r.touched[sid] = now
	r.mu.Unlock()

	r.batch.HSet(store.SessionKey(sid), map[string]string{
		fieldLastAccess: now.UTC().Format(time.RFC3339Nano),
	})
	r.batch.Expire(store.SessionKey(sid), r.timeout)
}

// Delete removes the session and publishes session_closed with the given reason.
func (r *Registry) Delete(ctx context.Context, sid, reason string) error {
	s, err := r.Get(ctx, sid)
	if err != nil {
		return err
	}
	r.remove(ctx, s, reason)
	return nil
}

// ForUser returns the user's live sessions. Index entries whose record has vanished are pruned as they are found.
func (r *Registry) ForUser(ctx context.Context, username string) ([]*Session, error) {
	ids, err := r.store.SMembers(ctx, store.UserSessionsKey(username))
	if err != nil {
		return nil, fmt.Errorf("read user sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, sid := range ids {
		s, err := r.Get(ctx, sid)
		if err != nil {
			// Expired or gone; Get already cleaned up expiry, prune the dangling index entry.
			r.batch.SRem(store.UserSessionsKey(username), sid)
			continue
		}
		sessions = append(sessions, s)
	}

	return sessions, nil
}

// DeleteForUser removes every session of the user, publishing session_closed per session.
func (r *Registry) DeleteForUser(ctx context.Context, username, reason string) error {
	sessions, err := r.ForUser(ctx, username)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		r.remove(ctx, s, reason)
	}
	return nil
}

// RunSweeper deletes idle-expired sessions on the given interval until ctx is cancelled. Lazy expiry in Get already
// handles sessions that are still being asked about; the sweeper catches the ones nobody touches again.
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
	keys, err := r.store.ScanKeys(ctx, "sessions:*")
	if err != nil {
		r.log.Warn().Err(err).Msg("Session sweep scan failed")
		return
	}

	swept := 0
	now := time.Now()
	for _, key := range keys {
		sid := key[len("sessions:"):]
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		s, err := fromFields(sid, fields)
		if err != nil {
			continue
		}
		if s.ExpiredAt(now, r.timeout) {
			r.remove(ctx, s, "expired")
			swept++
		}
	}

	if swept > 0 {
		r.log.Info().Int("swept", swept).Msg("Expired sessions swept")
	}
}

func (r *Registry) remove(ctx context.Context, s *Session, reason string) {
	r.batch.Del(store.SessionKey(s.ID))
	r.batch.SRem(store.UserSessionsKey(s.UserID), s.ID)

	r.mu.Lock()
	delete(r.touched, s.ID)
	r.mu.Unlock()

	ev := bus.SessionClosedEvent{Type: bus.EventSessionClosed, SessionID: s.ID, Reason: reason}
	if err := r.events.Publish(ctx, bus.SessionTopic(s.ID), ev); err != nil {
		r.log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to publish session close")
	}

	r.log.Debug().Str("session_id", s.ID).Str("reason", reason).Msg("Session removed")
}

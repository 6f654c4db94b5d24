// Package session owns the distributed session records shared by every gateway replica. A session is created over
// HTTP, optionally served by a WebSocket on any replica, and expires once idle for longer than the configured
// timeout. Mutations flow through the write-behind batcher; reads always hit the store directly.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

// DefaultChatID tags sessions created without an explicit chat stream.
const DefaultChatID = "default"

// Sentinel errors for the session package.
var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Hash fields of a session record.
const (
	fieldUserID     = "user_id"
	fieldChatID     = "chat_id"
	fieldData       = "data"
	fieldCreatedAt  = "created_at"
	fieldLastAccess = "last_access"
)

// Session is one session record. Data holds arbitrary client state merged patch by patch.
type Session struct {
	ID         string         `json:"session_id"`
	UserID     string         `json:"user_id"`
	ChatID     string         `json:"chat_id,omitempty"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
	LastAccess time.Time      `json:"last_access"`
}

// ExpiredAt reports whether the session has been idle past the timeout as of now.
func (s *Session) ExpiredAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastAccess) > timeout
}

// fields serialises the session into its stored hash representation.
func (s *Session) fields() map[string]string {
	data := s.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, _ := json.Marshal(data)
	f := map[string]string{
		fieldUserID:     s.UserID,
		fieldData:       string(raw),
		fieldCreatedAt:  s.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldLastAccess: s.LastAccess.UTC().Format(time.RFC3339Nano),
	}
	if s.ChatID != "" {
		f[fieldChatID] = s.ChatID
	}
	return f
}

// fromFields rebuilds a session from its stored hash representation.
func fromFields(id string, fields map[string]string) (*Session, error) {
	if len(fields) == 0 || fields[fieldUserID] == "" {
		return nil, ErrNotFound
	}

	s := &Session{
		ID:     id,
		UserID: fields[fieldUserID],
		ChatID: fields[fieldChatID],
		Data:   map[string]any{},
	}
	if raw := fields[fieldData]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &s.Data)
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt]); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldLastAccess]); err == nil {
		s.LastAccess = t
	}

	return s, nil
}

// mergeData recursively merges patch into dst. Nested maps merge key by key; any other value in patch replaces the
// value in dst. A null in patch removes the key.
func mergeData(dst, patch map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		if pm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = mergeData(dm, pm)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

package bus

import "encoding/json"

// Event types carried on user and session topics. Every payload is an envelope with a type field; consumers switch
// on it and ignore types they do not know.
const (
	EventLogout         = "logout"
	EventRoleChanged    = "role_changed"
	EventSessionUpdated = "session_updated"
	EventSessionClosed  = "session_closed"
	EventDisconnected   = "disconnected"
	EventServerShutdown = "server_shutdown"
	EventChatMessage    = "chat_message"
)

// Envelope is the minimal shape of every published event.
type Envelope struct {
	Type string `json:"type"`
}

// DecodeType returns the type field of a raw event payload, or "" if the payload is not a JSON envelope.
func DecodeType(payload []byte) string {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.Type
}

// LogoutEvent is published on a user topic when the account logs out everywhere or is deleted.
type LogoutEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Reason   string `json:"reason,omitempty"`
}

// RoleChangedEvent is published on a user topic when an admin promotes or demotes the account.
type RoleChangedEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// SessionUpdatedEvent is published on a session topic after a data merge, carrying the changed fields. Origin names
// the replica that applied the merge so gateways can tell remote updates from their own.
type SessionUpdatedEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	ChatID    string         `json:"chat_id,omitempty"`
	Data      map[string]any `json:"data"`
	Origin    string         `json:"origin,omitempty"`
}

// SessionClosedEvent is published on a session topic when the session is deleted or expires.
type SessionClosedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// DisconnectedEvent is published on a session topic when the socket serving it goes away.
type DisconnectedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	GatewayID string `json:"gateway_id"`
}

package gateway

import (
	"encoding/json"
	"time"
)

// Frame types on the wire. Inbound frames carry a type plus type-specific fields; outbound frames mirror the same
// envelope.
const (
	TypeConnected    = "connected"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeAck          = "ack"
	TypeError        = "error"
	TypeUpdateAPIKey = "update_api_key"
	TypeChatMessage  = "chat_message"
	TypeAdminCommand = "admin_command"
)

// Frame is the inbound message envelope. Fields beyond Type are read per message type. TS is kept raw so pong
// replies echo whatever the peer sent.
type Frame struct {
	Type    string          `json:"type"`
	Key     string          `json:"key,omitempty"`
	APIKey  string          `json:"api_key,omitempty"`
	Command string          `json:"command,omitempty"`
	TS      json.RawMessage `json:"ts,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// apiKey returns the key being rotated, accepting either field name.
func (f *Frame) apiKey() string {
	if f.Key != "" {
		return f.Key
	}
	return f.APIKey
}

// welcomeFrame is sent once after a successful handshake. Intervals are in seconds so clients can schedule their
// own timers.
type welcomeFrame struct {
	Type              string `json:"type"`
	Message           string `json:"message"`
	UserID            string `json:"user_id"`
	SessionID         string `json:"session_id"`
	GatewayID         string `json:"gateway_id"`
	PingInterval      int    `json:"ping_interval"`
	InactivityTimeout int    `json:"inactivity_timeout"`
}

// NewWelcomeFrame returns the serialised post-handshake frame.
func NewWelcomeFrame(userID, sessionID, gatewayID string, pingInterval, inactivityTimeout time.Duration) ([]byte, error) {
	return json.Marshal(welcomeFrame{
		Type:              TypeConnected,
		Message:           "Connected to gateway",
		UserID:            userID,
		SessionID:         sessionID,
		GatewayID:         gatewayID,
		PingInterval:      int(pingInterval.Seconds()),
		InactivityTimeout: int(inactivityTimeout.Seconds()),
	})
}

type pingFrame struct {
	Type string          `json:"type"`
	TS   json.RawMessage `json:"ts,omitempty"`
}

// NewPingFrame returns a serialised application-level ping stamped with the current time in milliseconds.
func NewPingFrame() ([]byte, error) {
	ts, _ := json.Marshal(time.Now().UnixMilli())
	return json.Marshal(pingFrame{Type: TypePing, TS: ts})
}

// NewPongFrame returns a serialised reply to a client ping, echoing its ts untouched.
func NewPongFrame(ts json.RawMessage) ([]byte, error) {
	return json.Marshal(pingFrame{Type: TypePong, TS: ts})
}

// NewAckFrame returns the serialised acknowledgement for an API key update.
func NewAckFrame(apiKey, sessionID string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":       TypeAck,
		"api_key":    apiKey,
		"session_id": sessionID,
	})
}

// NewErrorFrame returns a serialised in-band error. The connection stays open; errors that sever the connection use
// close codes instead.
func NewErrorFrame(message string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":    TypeError,
		"message": message,
	})
}

// NewStatsFrame returns the reply to the stats admin command.
func NewStatsFrame(gatewayID string, activeConnections int) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":               "stats",
		"gateway_id":         gatewayID,
		"active_connections": activeConnections,
	})
}

// NewShutdownFrame returns the frame broadcast to every client when the replica begins draining.
func NewShutdownFrame(gatewayID string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":       "server_shutdown",
		"gateway_id": gatewayID,
	})
}

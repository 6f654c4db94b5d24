package gateway

// WebSocket close codes used by the gateway, all defined by RFC 6455. Handshake failures close with a policy
// violation; liveness timeouts and orderly teardowns close normally.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

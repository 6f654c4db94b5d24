package gateway

import "github.com/edgegate/edgegate/internal/user"

// messagePermissions maps roles to the inbound message types they may send. The admin wildcard passes every known
// type; unknown types are rejected before the role gate is consulted.
var messagePermissions = map[string][]string{
	user.RoleUser:  {TypeUpdateAPIKey, TypeChatMessage, TypePong, TypePing},
	user.RoleAdmin: {"*"},
}

// permitted reports whether the role may send the given message type.
func permitted(role, msgType string) bool {
	allowed, ok := messagePermissions[role]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == "*" || t == msgType {
			return true
		}
	}
	return false
}

// knownType reports whether the message type exists at all.
func knownType(msgType string) bool {
	switch msgType {
	case TypePing, TypePong, TypeUpdateAPIKey, TypeChatMessage, TypeAdminCommand:
		return true
	}
	return false
}

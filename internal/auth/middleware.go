package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/edgegate/edgegate/internal/httputil"
	"github.com/edgegate/edgegate/internal/user"
)

// Locals keys set by RequireAuth.
const (
	LocalsClaims   = "claims"
	LocalsUsername = "username"
)

// RequireAuth returns Fiber middleware that validates a JWT Bearer token from the Authorization header and stores
// the claims in c.Locals.
func RequireAuth(secret string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.ErrUnauthorized, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.ErrUnauthorized, "Invalid authorization format")
		}
		tokenStr := header[len(prefix):]

		claims, err := ValidateToken(tokenStr, secret)
		if err != nil {
			message := "Invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				message = "Token has expired"
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.ErrUnauthorized, message)
		}

		c.Locals(LocalsClaims, claims)
		c.Locals(LocalsUsername, claims.Subject)
		return c.Next()
	}
}

// RequireAdmin returns Fiber middleware that rejects requests whose token does not carry the admin role. It must be
// registered after RequireAuth.
func RequireAdmin() fiber.Handler {
	return func(c fiber.Ctx) error {
		claims := ClaimsFromCtx(c)
		if claims == nil || claims.Role != user.RoleAdmin {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.ErrForbidden, "Admin role required")
		}
		return c.Next()
	}
}

// ClaimsFromCtx returns the claims stored by RequireAuth, or nil when the request is unauthenticated.
func ClaimsFromCtx(c fiber.Ctx) *Claims {
	claims, _ := c.Locals(LocalsClaims).(*Claims)
	return claims
}

// UsernameFromCtx returns the authenticated username, or "" when the request is unauthenticated.
func UsernameFromCtx(c fiber.Ctx) string {
	username, _ := c.Locals(LocalsUsername).(string)
	return username
}

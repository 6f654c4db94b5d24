package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer embedded in every token and enforced during validation.
const Issuer = "edgegate"

// Claims holds the JWT claims for an access token. The subject is the username; the role is captured at signing
// time, so a promotion or demotion only takes effect once the user obtains a fresh token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Username returns the token subject.
func (c *Claims) Username() string { return c.Subject }

// NewToken creates a signed access token for the given user and role.
func NewToken(username, role, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("token secret must not be empty")
	}

	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates an access token string, enforcing HMAC signing method and issuer claim.
func ValidateToken(tokenStr, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	return claims, nil
}

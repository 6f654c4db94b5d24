package auth

import (
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	token, err := NewToken("alice", "admin", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	claims, err := ValidateToken(token, testSecret)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Username() != "alice" {
		t.Errorf("Username() = %q, want alice", claims.Username())
	}
	if claims.Role != "admin" {
		t.Errorf("Role = %q, want admin", claims.Role)
	}
	if claims.Issuer != Issuer {
		t.Errorf("Issuer = %q, want %q", claims.Issuer, Issuer)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := NewToken("alice", "user", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	if _, err := ValidateToken(token, "another-secret-another-secret-xx"); err == nil {
		t.Fatal("ValidateToken() expected error for wrong secret")
	}
}

func TestValidateTokenExpired(t *testing.T) {
	token, err := NewToken("alice", "user", testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	if _, err := ValidateToken(token, testSecret); err == nil {
		t.Fatal("ValidateToken() expected error for expired token")
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	if _, err := ValidateToken("not.a.token", testSecret); err == nil {
		t.Fatal("ValidateToken() expected error for garbage input")
	}
}

func TestNewTokenEmptySecret(t *testing.T) {
	if _, err := NewToken("alice", "user", "", time.Minute); err == nil {
		t.Fatal("NewToken() expected error for empty secret")
	}
}

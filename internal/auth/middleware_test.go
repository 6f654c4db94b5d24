package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/edgegate/edgegate/internal/user"
)

func newMiddlewareApp(t *testing.T) *fiber.App {
	t.Helper()

	app := fiber.New()
	app.Get("/me", RequireAuth(testSecret), func(c fiber.Ctx) error {
		return c.SendString(UsernameFromCtx(c))
	})
	app.Get("/admin", RequireAuth(testSecret), RequireAdmin(), func(c fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestRequireAuthMissingHeader(t *testing.T) {
	app := newMiddlewareApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRequireAuthBadFormat(t *testing.T) {
	app := newMiddlewareApp(t)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Token abc")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRequireAuthValidToken(t *testing.T) {
	app := newMiddlewareApp(t)

	token, err := NewToken("alice", user.RoleUser, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRequireAuthExpiredToken(t *testing.T) {
	app := newMiddlewareApp(t)

	token, err := NewToken("alice", user.RoleUser, testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRequireAdmin(t *testing.T) {
	app := newMiddlewareApp(t)

	userToken, _ := NewToken("alice", user.RoleUser, testSecret, time.Minute)
	adminToken, _ := NewToken("root", user.RoleAdmin, testSecret, time.Minute)

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("user status = %d, want 403", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("admin status = %d, want 200", resp.StatusCode)
	}
}

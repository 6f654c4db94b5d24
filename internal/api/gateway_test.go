package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func TestUpgradeRejectsNonWebSocket(t *testing.T) {
	t.Parallel()

	handler := NewGatewayHandler(nil)

	app := fiber.New()
	app.Get("/ws/connect", handler.Upgrade)

	req := httptest.NewRequest(http.MethodGet, "/ws/connect?session_id=s1&token=t", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
}

func TestUpgradeRefusedWhileDraining(t *testing.T) {
	t.Parallel()

	ts := newTestStack(t)
	ts.hub.Shutdown()

	req := httptest.NewRequest(http.MethodGet, "/ws/connect?session_id=s1&token=t", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err := ts.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

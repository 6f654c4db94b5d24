package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func TestHealth(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)

	resp := doReq(t, ts.app, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" || body["gateway_id"] != ts.cfg.GatewayID {
		t.Errorf("health = %v", body)
	}
}

func TestWSHealth(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)

	resp := doReq(t, ts.app, httptest.NewRequest(http.MethodGet, "/ws/health", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	body := decodeBody(t, resp)
	if body["active_connections"] != float64(0) {
		t.Errorf("active_connections = %v, want 0", body["active_connections"])
	}
	if body["ping_interval"] != float64(25) || body["inactivity_timeout"] != float64(60) {
		t.Errorf("heartbeat config = %v", body)
	}
}

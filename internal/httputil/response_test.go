package httputil

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func TestFailEnvelope(t *testing.T) {
	app := fiber.New()
	app.Get("/sessions/missing", func(c fiber.Ctx) error {
		return Fail(c, fiber.StatusNotFound, ErrNotFound, "session not found")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/sessions/missing", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var envelope ErrorResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}

	if envelope.Error != ErrNotFound {
		t.Errorf("error = %q, want not_found", envelope.Error)
	}
	if envelope.Detail != "session not found" {
		t.Errorf("detail = %q", envelope.Detail)
	}
	if envelope.StatusCode != 404 {
		t.Errorf("status_code = %d, want 404", envelope.StatusCode)
	}
	if envelope.Path != "/sessions/missing" {
		t.Errorf("path = %q, want /sessions/missing", envelope.Path)
	}
	if envelope.Timestamp == "" {
		t.Error("timestamp is empty")
	}
}

func TestSuccessStatus(t *testing.T) {
	app := fiber.New()
	app.Post("/sessions", func(c fiber.Ctx) error {
		return SuccessStatus(c, fiber.StatusCreated, map[string]string{"session_id": "s1"})
	})

	resp, err := app.Test(httptest.NewRequest("POST", "/sessions", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["session_id"] != "s1" {
		t.Errorf("session_id = %q, want s1", payload["session_id"])
	}
}

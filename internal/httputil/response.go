package httputil

import (
	"time"

	"github.com/gofiber/fiber/v3"
)

// ErrorResponse is the envelope returned by every failed API request. Handlers never leak raw error strings from
// lower layers; Detail carries the operator-facing explanation.
type ErrorResponse struct {
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"status_code"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
}

// Success sends a 200 JSON response with the given payload.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(data)
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(data)
}

// Fail sends the error envelope with the given status, short error name, and detail.
func Fail(c fiber.Ctx, status int, errName, detail string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error:      errName,
		Detail:     detail,
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       c.Path(),
	})
}

// Short error names used in the envelope's error field.
const (
	ErrBadRequest   = "bad_request"
	ErrUnauthorized = "unauthorized"
	ErrForbidden    = "forbidden"
	ErrNotFound     = "not_found"
	ErrConflict     = "conflict"
	ErrTooMany      = "too_many_requests"
	ErrInternal     = "internal_error"
)

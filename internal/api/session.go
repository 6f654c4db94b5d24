package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/connection"
	"github.com/edgegate/edgegate/internal/httputil"
	"github.com/edgegate/edgegate/internal/session"
	"github.com/edgegate/edgegate/internal/user"
)

// SessionHandler serves session CRUD and per-user lookups.
type SessionHandler struct {
	sessions    *session.Registry
	connections *connection.Registry
	log         zerolog.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *session.Registry, connections *connection.Registry, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, connections: connections, log: logger}
}

type createSessionRequest struct {
	UserID string         `json:"user_id"`
	ChatID string         `json:"chat_id"`
	Data   map[string]any `json:"data"`
}

// Create handles POST /sessions/create. The ws_url is a template; clients substitute their live token themselves so
// it never appears in responses or logs.
func (h *SessionHandler) Create(c fiber.Ctx) error {
	username := auth.UsernameFromCtx(c)

	var body createSessionRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ErrBadRequest, "Invalid request body")
	}
	if body.UserID != "" && body.UserID != username {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.ErrForbidden, "Cannot create sessions for another user")
	}

	s, err := h.sessions.Create(c, username, body.ChatID, body.Data)
	if err != nil {
		h.log.Error().Err(err).Str("username", username).Msg("Failed to create session")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"chat_id":    s.ChatID,
		"data":       s.Data,
		"ws_url":     fmt.Sprintf("ws://%s/ws/connect?session_id=%s&token={access_token}", c.Hostname(), s.ID),
	})
}

// Get handles GET /sessions/:sid. Owners and admins may read a session.
func (h *SessionHandler) Get(c fiber.Ctx) error {
	sid := c.Params("sid")

	s, err := h.sessions.Get(c, sid)
	if err != nil {
		return h.mapSessionError(c, err)
	}

	claims := auth.ClaimsFromCtx(c)
	if s.UserID != claims.Username() && claims.Role != user.RoleAdmin {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.ErrForbidden, "Session access denied")
	}

	h.sessions.Touch(c, sid)
	return httputil.Success(c, s)
}

type updateSessionRequest struct {
	ChatID string         `json:"chat_id"`
	Data   map[string]any `json:"data"`
}

// Update handles POST /sessions/update/:sid. Only the owner may merge data into a session.
func (h *SessionHandler) Update(c fiber.Ctx) error {
	sid := c.Params("sid")

	var body updateSessionRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ErrBadRequest, "Invalid request body")
	}

	s, err := h.sessions.Get(c, sid)
	if err != nil {
		return h.mapSessionError(c, err)
	}
	if s.UserID != auth.UsernameFromCtx(c) {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.ErrForbidden, "Session access denied")
	}

	updated, err := h.sessions.Update(c, sid, body.Data, body.ChatID)
	if err != nil {
		return h.mapSessionError(c, err)
	}

	return httputil.Success(c, updated)
}

// UserSessions handles GET /sessions/users/:user/sessions. Users see their own; admins see anyone's.
func (h *SessionHandler) UserSessions(c fiber.Ctx) error {
	target := c.Params("user")
	if err := h.requireSelfOrAdmin(c, target); err != nil {
		return err
	}

	sessions, err := h.sessions.ForUser(c, target)
	if err != nil {
		h.log.Error().Err(err).Str("username", target).Msg("Failed to list sessions")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// UserConnection handles GET /sessions/users/:user/connection. It reports where the user's sessions are served; 404
// when no session has a connection record.
func (h *SessionHandler) UserConnection(c fiber.Ctx) error {
	target := c.Params("user")
	if err := h.requireSelfOrAdmin(c, target); err != nil {
		return err
	}

	sessions, err := h.sessions.ForUser(c, target)
	if err != nil {
		h.log.Error().Err(err).Str("username", target).Msg("Failed to list sessions")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}

	conns := make([]*connection.Connection, 0, len(sessions))
	for _, s := range sessions {
		if conn, err := h.connections.Lookup(c, s.ID); err == nil {
			conns = append(conns, conn)
		}
	}
	if len(conns) == 0 {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.ErrNotFound, "No connection for user")
	}

	return httputil.Success(c, fiber.Map{
		"connections": conns,
		"count":       len(conns),
	})
}

func (h *SessionHandler) requireSelfOrAdmin(c fiber.Ctx, target string) error {
	claims := auth.ClaimsFromCtx(c)
	if claims.Username() != target && claims.Role != user.RoleAdmin {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.ErrForbidden, "Not your resources")
	}
	return nil
}

// mapSessionError converts session-layer errors to appropriate HTTP responses.
func (h *SessionHandler) mapSessionError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.ErrNotFound, "Session not found")
	default:
		h.log.Error().Err(err).Str("handler", "session").Msg("unhandled session registry error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}
}

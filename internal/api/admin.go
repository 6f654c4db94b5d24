package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/httputil"
	"github.com/edgegate/edgegate/internal/session"
	"github.com/edgegate/edgegate/internal/store"
	"github.com/edgegate/edgegate/internal/user"
)

// AdminHandler serves the admin-only surface: fleet-wide session listings, user management, and role changes.
type AdminHandler struct {
	svc      *auth.Service
	sessions *session.Registry
	users    user.Repository
	store    *store.Store
	log      zerolog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(svc *auth.Service, sessions *session.Registry, users user.Repository, st *store.Store, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, sessions: sessions, users: users, store: st, log: logger}
}

// AllSessions handles GET /sessions/admin/all-sessions. It scans the shared store, so the listing covers sessions
// served by every replica.
func (h *AdminHandler) AllSessions(c fiber.Ctx) error {
	keys, err := h.store.ScanKeys(c, "sessions:*")
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to scan sessions")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}

	sessions := make([]*session.Session, 0, len(keys))
	for _, key := range keys {
		sid := strings.TrimPrefix(key, "sessions:")
		s, err := h.sessions.Get(c, sid)
		if err != nil {
			// Expired or racing a delete; skip.
			continue
		}
		sessions = append(sessions, s)
	}

	return httputil.Success(c, fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// Users handles GET /sessions/admin/users.
func (h *AdminHandler) Users(c fiber.Ctx) error {
	keys, err := h.store.ScanKeys(c, "users:*")
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to scan users")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}

	users := make([]*user.User, 0, len(keys))
	for _, key := range keys {
		u, err := h.users.Get(c, strings.TrimPrefix(key, "users:"))
		if err != nil {
			continue
		}
		users = append(users, u)
	}

	return httputil.Success(c, fiber.Map{
		"users": users,
		"count": len(users),
	})
}

// DeleteSession handles DELETE /sessions/admin/sessions/:sid. The owner's socket is dropped on whichever replica
// serves it via the session_closed event.
func (h *AdminHandler) DeleteSession(c fiber.Ctx) error {
	sid := c.Params("sid")

	if err := h.sessions.Delete(c, sid, "admin_closed"); err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.ErrNotFound, "Session not found")
		}
		h.log.Error().Err(err).Str("session_id", sid).Msg("Failed to delete session")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}

	h.log.Info().Str("session_id", sid).Str("admin", auth.UsernameFromCtx(c)).Msg("Session closed by admin")
	return httputil.Success(c, fiber.Map{"message": "Session deleted"})
}

// DeleteUser handles DELETE /sessions/admin/users/:user. Sessions close first so their sockets drop everywhere, then
// the account record goes.
func (h *AdminHandler) DeleteUser(c fiber.Ctx) error {
	target := c.Params("user")

	if _, err := h.users.Get(c, target); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.ErrNotFound, "User not found")
		}
		h.log.Error().Err(err).Str("username", target).Msg("Failed to look up user")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}

	if err := h.sessions.DeleteForUser(c, target, "admin_deleted"); err != nil {
		h.log.Warn().Err(err).Str("username", target).Msg("Failed to close sessions for deleted user")
	}
	if err := h.svc.DeleteAccount(c, target); err != nil {
		return h.mapAdminError(c, err)
	}

	h.log.Info().Str("username", target).Str("admin", auth.UsernameFromCtx(c)).Msg("User deleted by admin")
	return httputil.Success(c, fiber.Map{"message": "User deleted"})
}

// Promote handles POST /sessions/admin/users/:user/promote.
func (h *AdminHandler) Promote(c fiber.Ctx) error {
	target := c.Params("user")

	if err := h.svc.Promote(c, target); err != nil {
		return h.mapAdminError(c, err)
	}

	h.log.Info().Str("username", target).Str("admin", auth.UsernameFromCtx(c)).Msg("User promoted")
	return httputil.Success(c, fiber.Map{"message": "User promoted", "username": target, "role": user.RoleAdmin})
}

// Demote handles POST /sessions/admin/users/:user/demote. Admins cannot demote themselves.
func (h *AdminHandler) Demote(c fiber.Ctx) error {
	target := c.Params("user")

	if err := h.svc.Demote(c, auth.UsernameFromCtx(c), target); err != nil {
		return h.mapAdminError(c, err)
	}

	h.log.Info().Str("username", target).Str("admin", auth.UsernameFromCtx(c)).Msg("User demoted")
	return httputil.Success(c, fiber.Map{"message": "User demoted", "username": target, "role": user.RoleUser})
}

func (h *AdminHandler) mapAdminError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.ErrNotFound, "User not found")
	case errors.Is(err, auth.ErrSelfDemotion):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ErrBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "admin").Msg("unhandled admin error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}
}

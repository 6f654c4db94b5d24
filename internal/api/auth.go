package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/httputil"
	"github.com/edgegate/edgegate/internal/session"
	"github.com/edgegate/edgegate/internal/user"
)

// AuthHandler serves registration, login, logout, and account deletion.
type AuthHandler struct {
	svc      *auth.Service
	sessions *session.Registry
	cfg      *config.Config
	log      zerolog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(svc *auth.Service, sessions *session.Registry, cfg *config.Config, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, sessions: sessions, cfg: cfg, log: logger}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userView struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
}

// Register handles POST /sessions/register.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ErrBadRequest, "Invalid request body")
	}

	res, err := h.svc.Register(c, body.Username, body.Email, body.Password)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, fiber.Map{
		"message":  "User registered",
		"username": res.User.Username,
	})
}

// Login handles POST /sessions/login. A successful login also opens a session so clients can connect a socket
// straight away.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body credentialsRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ErrBadRequest, "Invalid request body")
	}

	res, err := h.svc.Login(c, body.Username, body.Password)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	s, err := h.sessions.Create(c, res.User.Username, "", nil)
	if err != nil {
		h.log.Error().Err(err).Str("username", res.User.Username).Msg("Failed to create session on login")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{
		"access_token": res.AccessToken,
		"token_type":   "bearer",
		"expires_in":   int(h.cfg.TokenTTL.Seconds()),
		"user":         userView{Username: res.User.Username, Email: res.User.Email, Role: res.User.Role},
		"session_id":   s.ID,
	})
}

// Logout handles POST /sessions/logout. Every session of the account is closed and live sockets on all replicas are
// dropped via the logout event.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	username := auth.UsernameFromCtx(c)

	if err := h.sessions.DeleteForUser(c, username, "logout"); err != nil {
		h.log.Warn().Err(err).Str("username", username).Msg("Failed to close sessions on logout")
	}
	if err := h.svc.Logout(c, username, "user_request"); err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"message": "Logged out"})
}

// DeleteAccount handles POST /sessions/delete_account.
func (h *AuthHandler) DeleteAccount(c fiber.Ctx) error {
	username := auth.UsernameFromCtx(c)

	if err := h.sessions.DeleteForUser(c, username, "account_deleted"); err != nil {
		h.log.Warn().Err(err).Str("username", username).Msg("Failed to close sessions on account deletion")
	}
	if err := h.svc.DeleteAccount(c, username); err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, fiber.Map{"message": "Account deleted"})
}

// mapAuthError converts auth-layer errors to appropriate HTTP responses.
func (h *AuthHandler) mapAuthError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		return httputil.Fail(c, fiber.StatusConflict, httputil.ErrConflict, err.Error())
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.ErrNotFound, "User not found")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.ErrUnauthorized, err.Error())
	case errors.Is(err, auth.ErrUsernameLength),
		errors.Is(err, auth.ErrUsernameInvalidChars),
		errors.Is(err, auth.ErrEmailInvalid),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ErrBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrInternal, "An internal error occurred")
	}
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/bus"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/user"
)

// Service implements authentication and account business logic, keeping HTTP handlers thin and focused on request
// parsing / response formatting.
type Service struct {
	users  user.Repository
	events *bus.Bus
	config *config.Config
	log    zerolog.Logger
	// dummyHash is a precomputed Argon2id hash used to keep login timing constant when a user is not found,
	// preventing username enumeration via response-time analysis.
	dummyHash string
}

// NewService creates a new authentication service.
func NewService(users user.Repository, events *bus.Bus, cfg *config.Config, logger zerolog.Logger) *Service {
	// Generate a dummy hash at startup so VerifyPassword always runs against a real Argon2id hash even when the user
	// does not exist.
	dummy, err := HashPassword("edgegate-dummy-password")
	if err != nil {
		// This should never fail; fall back to a static hash so the service can still start.
		dummy = "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0$placeholder"
	}
	return &Service{
		users:     users,
		events:    events,
		config:    cfg,
		log:       logger.With().Str("component", "auth").Logger(),
		dummyHash: dummy,
	}
}

// AuthResult is the output for Register and Login.
type AuthResult struct {
	User        user.User
	AccessToken string
}

// Register validates inputs and creates the account. Usernames in the bootstrap admin list receive the admin role;
// everyone else starts as a plain user.
func (s *Service) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	role := user.RoleUser
	if s.config.IsBootstrapAdmin(username) {
		role = user.RoleAdmin
	}

	err = s.users.Create(ctx, user.CreateParams{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
	})
	if err != nil {
		if errors.Is(err, user.ErrAlreadyExists) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.log.Debug().Str("username", username).Str("role", role).Msg("User registered")

	token, err := NewToken(username, role, s.config.SecretKey, s.config.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	return &AuthResult{
		User:        user.User{Username: username, Email: email, Role: role},
		AccessToken: token,
	}, nil
}

// Login verifies credentials and returns a fresh access token.
func (s *Service) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	c, err := s.users.GetCredentials(ctx, username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Hash against a dummy value to prevent timing-based username enumeration. Without this, "user not found"
			// returns faster than "wrong password" because Argon2id is skipped.
			_, _ = VerifyPassword(password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	match, err := VerifyPassword(password, c.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	// Lazy hash rotation: rehash with current parameters if the stored hash was generated with older settings.
	if NeedsRehash(c.PasswordHash) {
		if newHash, hashErr := HashPassword(password); hashErr == nil {
			if updateErr := s.users.UpdatePasswordHash(ctx, username, newHash); updateErr != nil {
				s.log.Warn().Err(updateErr).Str("username", username).Msg("Failed to rotate password hash")
			}
		}
	}

	c.LastLogin = time.Now().UTC()
	if err := s.users.RecordLogin(ctx, username, c.LastLogin); err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("Failed to record login time")
	}

	token, err := NewToken(username, c.Role, s.config.SecretKey, s.config.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	return &AuthResult{User: c.User, AccessToken: token}, nil
}

// Verify validates a token string and returns its claims.
func (s *Service) Verify(tokenStr string) (*Claims, error) {
	claims, err := ValidateToken(tokenStr, s.config.SecretKey)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Logout publishes a logout event on the user topic so every replica drops the account's sockets. Tokens are not
// revoked server side; they age out with their TTL.
func (s *Service) Logout(ctx context.Context, username, reason string) error {
	ev := bus.LogoutEvent{Type: bus.EventLogout, Username: username, Reason: reason}
	if err := s.events.Publish(ctx, bus.UserTopic(username), ev); err != nil {
		return fmt.Errorf("publish logout: %w", err)
	}
	s.log.Info().Str("username", username).Str("reason", reason).Msg("User logged out")
	return nil
}

// Promote grants the admin role to the target account and announces the change on the user topic.
func (s *Service) Promote(ctx context.Context, target string) error {
	return s.changeRole(ctx, target, user.RoleAdmin)
}

// Demote revokes the admin role. Admins cannot demote themselves, so a fleet can never lock out its last admin by
// accident.
func (s *Service) Demote(ctx context.Context, actor, target string) error {
	if actor == target {
		return ErrSelfDemotion
	}
	return s.changeRole(ctx, target, user.RoleUser)
}

// DeleteAccount removes the account record and publishes a logout so live sockets are dropped everywhere.
func (s *Service) DeleteAccount(ctx context.Context, username string) error {
	if err := s.users.Delete(ctx, username); err != nil {
		return err
	}
	if err := s.Logout(ctx, username, "account_deleted"); err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("Failed to publish logout after account deletion")
	}
	return nil
}

func (s *Service) changeRole(ctx context.Context, target, role string) error {
	if err := s.users.UpdateRole(ctx, target, role); err != nil {
		return err
	}

	ev := bus.RoleChangedEvent{Type: bus.EventRoleChanged, Username: target, Role: role}
	if err := s.events.Publish(ctx, bus.UserTopic(target), ev); err != nil {
		s.log.Warn().Err(err).Str("username", target).Msg("Failed to publish role change")
	}

	s.log.Info().Str("username", target).Str("role", role).Msg("Role changed")
	return nil
}

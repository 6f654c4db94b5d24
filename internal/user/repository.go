package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/store"
)

// User hash fields.
const (
	fieldUsername     = "username"
	fieldEmail        = "email"
	fieldPasswordHash = "password_hash"
	fieldRole         = "role"
	fieldCreatedAt    = "created_at"
	fieldLastLogin    = "last_login"
)

// StoreRepository implements Repository over store hashes, one hash per account keyed by username.
type StoreRepository struct {
	store *store.Store
	log   zerolog.Logger
}

// NewStoreRepository creates a store-backed user repository.
func NewStoreRepository(s *store.Store, logger zerolog.Logger) *StoreRepository {
	return &StoreRepository{store: s, log: logger}
}

// Create inserts a new user. The username field is claimed with HSETNX so two concurrent registrations of the same
// name cannot both succeed.
func (r *StoreRepository) Create(ctx context.Context, params CreateParams) error {
	key := store.UserKey(params.Username)

	claimed, err := r.store.Client().HSetNX(ctx, key, fieldUsername, params.Username).Result()
	if err != nil {
		return fmt.Errorf("claim username: %w", err)
	}
	if !claimed {
		return ErrAlreadyExists
	}

	role := params.Role
	if role == "" {
		role = RoleUser
	}

	fields := map[string]string{
		fieldPasswordHash: params.PasswordHash,
		fieldRole:         role,
		fieldCreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if params.Email != "" {
		fields[fieldEmail] = params.Email
	}
	if err := r.store.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("write user: %w", err)
	}

	return nil
}

// Get returns the user matching the given username.
func (r *StoreRepository) Get(ctx context.Context, username string) (*User, error) {
	c, err := r.GetCredentials(ctx, username)
	if err != nil {
		return nil, err
	}
	return &c.User, nil
}

// GetCredentials returns the user with the password hash, serving the authentication path.
func (r *StoreRepository) GetCredentials(ctx context.Context, username string) (*Credentials, error) {
	fields, err := r.store.HGetAll(ctx, store.UserKey(username))
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	c := &Credentials{
		User: User{
			Username: username,
			Email:    fields[fieldEmail],
			Role:     fields[fieldRole],
		},
		PasswordHash: fields[fieldPasswordHash],
	}
	if c.Role == "" {
		c.Role = RoleUser
	}
	if raw := fields[fieldCreatedAt]; raw != "" {
		if t, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			c.CreatedAt = t
		}
	}
	if raw := fields[fieldLastLogin]; raw != "" {
		if t, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			c.LastLogin = t
		}
	}

	return c, nil
}

// UpdatePasswordHash replaces the stored password hash.
func (r *StoreRepository) UpdatePasswordHash(ctx context.Context, username, hash string) error {
	return r.setField(ctx, username, fieldPasswordHash, hash)
}

// UpdateRole replaces the stored role.
func (r *StoreRepository) UpdateRole(ctx context.Context, username, role string) error {
	if role != RoleUser && role != RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	return r.setField(ctx, username, fieldRole, role)
}

// RecordLogin stamps the account's last successful login.
func (r *StoreRepository) RecordLogin(ctx context.Context, username string, at time.Time) error {
	return r.setField(ctx, username, fieldLastLogin, at.UTC().Format(time.RFC3339))
}

// Delete removes the account record.
func (r *StoreRepository) Delete(ctx context.Context, username string) error {
	if _, err := r.Get(ctx, username); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, store.UserKey(username)); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (r *StoreRepository) setField(ctx context.Context, username, field, value string) error {
	key := store.UserKey(username)

	exists, err := r.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return ErrNotFound
	}

	if err := r.store.HSet(ctx, key, map[string]string{field: value}); err != nil {
		return fmt.Errorf("update %s: %w", field, err)
	}
	return nil
}

// IsNotFound reports whether err is the user missing sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

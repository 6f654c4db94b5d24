package user

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the user package.
var (
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyExists = errors.New("username already taken")
)

// Roles. Admins pass every role gate; plain users are restricted to the user-level operation set.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User holds the identity fields stored for an account.
type User struct {
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login,omitzero"`
}

// IsAdmin returns whether the user carries the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Credentials extends User with the password hash. Only repository methods serving the authentication path return
// this type; everything else returns *User so credentials cannot leak through the type system.
type Credentials struct {
	User
	PasswordHash string
}

// CreateParams groups the inputs for creating a new user.
type CreateParams struct {
	Username     string
	Email        string
	PasswordHash string
	Role         string
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) error
	Get(ctx context.Context, username string) (*User, error)
	GetCredentials(ctx context.Context, username string) (*Credentials, error)
	UpdatePasswordHash(ctx context.Context, username, hash string) error
	UpdateRole(ctx context.Context, username, role string) error
	RecordLogin(ctx context.Context, username string, at time.Time) error
	Delete(ctx context.Context, username string) error
}

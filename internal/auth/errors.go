package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrUsernameLength       = errors.New("username must be between 2 and 32 characters")
	ErrUsernameInvalidChars = errors.New("username may only contain letters, digits, underscores, and periods")
	ErrEmailInvalid         = errors.New("email address is not valid")
	ErrPasswordTooShort     = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong      = errors.New("password must be at most 128 characters")
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrSelfDemotion         = errors.New("admins cannot demote themselves")
)

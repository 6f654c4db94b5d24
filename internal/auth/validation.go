package auth

import (
	"regexp"
	"strings"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)

// ValidateUsername checks a username is 2-32 characters and only contains letters, digits, underscores, and periods.
// len() is used intentionally because usernameRegex restricts to ASCII, where byte count equals rune count.
func ValidateUsername(username string) error {
	if len(username) < 2 || len(username) > 32 {
		return ErrUsernameLength
	}
	if !usernameRegex.MatchString(username) {
		return ErrUsernameInvalidChars
	}
	return nil
}

// ValidateEmail checks the address for a plausible shape. Full RFC 5322 parsing buys nothing here; deliverability
// is the mail system's problem.
func ValidateEmail(email string) error {
	if len(email) < 3 || len(email) > 254 {
		return ErrEmailInvalid
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t") {
		return ErrEmailInvalid
	}
	return nil
}

// ValidatePassword checks that a password is between 8 and 128 characters.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	if len(password) > 128 {
		return ErrPasswordTooLong
	}
	return nil
}

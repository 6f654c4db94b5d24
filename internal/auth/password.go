package auth

import (
	"fmt"

	"github.com/alexedwards/argon2id"
)

// HashPassword hashes a password using argon2id with the library defaults.
func HashPassword(password string) (string, error) {
	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword checks whether a plaintext password matches the given argon2id hash.
func VerifyPassword(password, hash string) (bool, error) {
	match, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}
	return match, nil
}

// NeedsRehash returns true if the given Argon2id hash was generated with parameters that differ from the current
// defaults, indicating that the hash should be regenerated on next successful login.
func NeedsRehash(hash string) bool {
	params, salt, key, err := argon2id.DecodeHash(hash)
	if err != nil {
		return false
	}
	d := argon2id.DefaultParams
	return params.Memory != d.Memory ||
		params.Iterations != d.Iterations ||
		params.Parallelism != d.Parallelism ||
		uint32(len(salt)) != d.SaltLength ||
		uint32(len(key)) != d.KeyLength
}

package auth

import (
	"fmt"

	"github.com/alexedwards/argon2id"
)

// PasswordParams bundles the Argon2id cost parameters so the hashing helpers
// and the rehash check always see the same configuration.
type PasswordParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// HashPassword hashes a password using Argon2id with the given parameters.
func HashPassword(password string, p PasswordParams) (string, error) {
	hash, err := argon2id.CreateHash(password, &argon2id.Params{
		Memory:      p.Memory,
		Iterations:  p.Iterations,
		Parallelism: p.Parallelism,
		SaltLength:  p.SaltLength,
		KeyLength:   p.KeyLength,
	})
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword checks whether a plaintext password matches the given
// Argon2id hash.
func VerifyPassword(password, hash string) (bool, error) {
	match, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}
	return match, nil
}

// NeedsRehash reports whether the stored hash was generated with parameters
// that differ from p, meaning it should be regenerated on the next successful
// login while the plaintext is available.
func NeedsRehash(hash string, p PasswordParams) bool {
	params, salt, key, err := argon2id.DecodeHash(hash)
	if err != nil {
		return false
	}
	return params.Memory != p.Memory ||
		params.Iterations != p.Iterations ||
		params.Parallelism != p.Parallelism ||
		uint32(len(salt)) != p.SaltLength ||
		uint32(len(key)) != p.KeyLength
}

// ValidatePassword checks the password length bounds. The upper bound caps
// Argon2id work per request.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	if len(password) > 128 {
		return ErrPasswordTooLong
	}
	return nil
}

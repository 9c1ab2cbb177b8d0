package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// PasswordHasher derives a fixed-length hash from a password and salt.
// It is pluggable so Manager never hard-codes a particular primitive.
type PasswordHasher interface {
	Hash(password string, salt []byte) []byte
	SaltSize() int
}

// argon2Params are argon2id's tuning knobs, chosen per the RFC 9106
// "second recommended option" for environments without dedicated
// hashing hardware.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// Argon2Hasher implements PasswordHasher with argon2id.
type Argon2Hasher struct{}

// NewArgon2Hasher returns the default password hasher.
func NewArgon2Hasher() Argon2Hasher { return Argon2Hasher{} }

func (Argon2Hasher) Hash(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

func (Argon2Hasher) SaltSize() int { return argon2SaltLen }

func generateSalt(h PasswordHasher) ([]byte, error) {
	salt := make([]byte, h.SaltSize())
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("auth: generate salt: %w", err)
	}
	return salt, nil
}

func hashesEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Package crypto implements password hashing for the development backend.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Params are Argon2id cost parameters.
type Params struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

var (
	// DefaultParams are tuned for server-side hashing.
	DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 1, KeyLen: 32}

	// FastParams keep dev servers and tests responsive. Never use them for real accounts.
	FastParams = Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32}
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Hash returns the Argon2id hash of password with salt.
func (p Params) Hash(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// Verify compares password against expected in constant time.
func (p Params) Verify(password, salt, expected []byte) bool {
	return subtle.ConstantTimeCompare(p.Hash(password, salt), expected) == 1
}

// Package limiter throttles login attempts per (username, client address).
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter is consulted by the login handler before and after checking a password.
type Limiter interface {
	// Allow reports whether the pair may try to log in, and if not, for how long it is blocked.
	Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
	// Success forgets earlier failures of the pair.
	Success(ctx context.Context, username string, ipHash []byte) error
	// Failure counts a rejected password and reports whether the pair is now blocked.
	Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
}

// HashIP keys limiter state by a digest so client addresses are not kept in memory.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

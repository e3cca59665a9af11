package limiter

import (
	"context"
	"sync"
	"time"
)

type attempts struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process limiter with a sliding failure window and lockout.
type Memory struct {
	window   time.Duration
	maxFails int
	blockFor time.Duration

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu         sync.Mutex
	byID       map[string]*attempts
	lastPruned time.Time
}

// NewMemory constructs an in-memory limiter: maxFails failures within window
// block the pair for blockFor.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		Now:      time.Now,
		byID:     make(map[string]*attempts),
	}
}

func id(username string, ipHash []byte) string { return username + "\x00" + string(ipHash) }

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.byID[id(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	now := l.Now()
	if a.blockedUntil.After(now) {
		return false, a.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets counters for (username, ip).
func (l *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	l.mu.Lock()
	delete(l.byID, id(username, ipHash))
	l.mu.Unlock()
	return nil
}

// Failure records a failed attempt and blocks the pair once maxFails is reached.
func (l *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	l.prune(now)
	k := id(username, ipHash)
	a, ok := l.byID[k]
	if !ok || now.Sub(a.updatedAt) > l.window {
		a = &attempts{}
		l.byID[k] = a
	}
	a.fails++
	a.updatedAt = now
	if a.fails >= l.maxFails {
		a.blockedUntil = now.Add(l.blockFor)
		return true, l.blockFor, nil
	}
	return false, 0, nil
}

// prune drops pairs whose failures left the window and whose block has expired.
// It scans at most once per window. l.mu must be held.
func (l *Memory) prune(now time.Time) {
	if now.Sub(l.lastPruned) < l.window {
		return
	}
	l.lastPruned = now
	for k, a := range l.byID {
		if now.Sub(a.updatedAt) > l.window && !a.blockedUntil.After(now) {
			delete(l.byID, k)
		}
	}
}

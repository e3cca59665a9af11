// Package errs contains sentinel errors used across layers for stable error mapping,
// and the classifier that turns transport failures into typed API errors.
package errs

import "errors"

// Common sentinels across client/storage layers.
var (
	// ErrNotFound indicates the requested entity (or stored key) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization (HTTP 401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLoginFailed indicates the backend rejected the supplied credentials.
	ErrLoginFailed = errors.New("invalid username or password")

	// ErrSessionExpired indicates the session could not be refreshed; the user must log in again.
	ErrSessionExpired = errors.New("session expired, please log in again")

	// ErrOffline indicates an operation was paused because the backend is unreachable.
	ErrOffline = errors.New("offline")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrSnapshotVersion indicates a persisted cache snapshot with an incompatible schema version.
	ErrSnapshotVersion = errors.New("incompatible snapshot version")

	// ErrUnknownMutation indicates a mutation key with no registered handler.
	ErrUnknownMutation = errors.New("unknown mutation key")

	// ErrRateLimited indicates too many failed login attempts.
	ErrRateLimited = errors.New("rate limited")
)

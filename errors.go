package robosync

import "errors"

// Error taxonomy shared by every layer. Lower layers wrap these sentinels
// with context; the synchronizer never introduces kinds of its own.
var (
	// ErrAuth is returned when no usable credential exists and none can be
	// obtained non-interactively.
	ErrAuth = errors.New("robosync: no usable credential")

	// ErrAuthExpired is returned when the refresh token itself is rejected,
	// meaning a full re-login is required.
	ErrAuthExpired = errors.New("robosync: credential expired, re-login required")

	// ErrNotFound is returned when the store does not know the requested
	// artifact name or version.
	ErrNotFound = errors.New("robosync: artifact not found")

	// ErrTransient is returned for retryable network and server failures,
	// including per-request timeouts.
	ErrTransient = errors.New("robosync: transient store failure")

	// ErrIntegrity is returned when a transferred payload does not match
	// its declared size or fingerprint.
	ErrIntegrity = errors.New("robosync: payload integrity mismatch")

	// ErrConflict is returned when the store rejects an upload, for
	// example because an identical payload has already been published.
	ErrConflict = errors.New("robosync: store rejected upload")
)

// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., post id taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict indicates optimistic concurrency failure (If-Match mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrInUse indicates an attachment blob is still referenced by a post.
	ErrInUse = errors.New("still referenced")

	// ErrRateLimited indicates temporary lockout after repeated auth failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalid indicates a request document that fails validation.
	ErrInvalid = errors.New("invalid")
)

// Authentication sentinels. All of them map to 401 at the HTTP edge; they are
// distinct so the server can log the precise reason without leaking it.
var (
	// ErrUnknownCredential indicates the claimed credential id resolved to nothing.
	ErrUnknownCredential = errors.New("unknown credential")

	// ErrBadMac indicates the recomputed MAC did not match the presented one.
	ErrBadMac = errors.New("bad mac")

	// ErrStaleTimestamp indicates the request timestamp fell outside the skew
	// window, or its nonce was already seen inside it.
	ErrStaleTimestamp = errors.New("stale timestamp")

	// ErrExpired indicates a bewit past its expiration time.
	ErrExpired = errors.New("bewit expired")

	// ErrMalformed indicates an unparseable Authorization header or bewit token.
	ErrMalformed = errors.New("malformed authentication")
)

// Provisioning sentinels.
var (
	// ErrLinkFailure indicates the app and credentials posts could not be
	// cross-linked; any partially created credentials post has been removed.
	ErrLinkFailure = errors.New("credentials link failure")
)

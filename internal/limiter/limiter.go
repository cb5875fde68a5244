// Package limiter rate-limits failed request authentication. Repeated bad
// MACs from one client/address pair earn a temporary block, which slows
// brute-forcing a credential key without affecting well-behaved clients.
package limiter

import (
	"context"
	"time"
)

// Limiter tracks authentication failures and temporary lockouts per
// (credential id, hashed address) pair.
type Limiter interface {
	// Allow reports whether authentication may proceed and, when blocked, the
	// retry-after duration.
	Allow(ctx context.Context, clientID string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a valid MAC.
	Success(ctx context.Context, clientID string, ipHash []byte) error
	// Failure records a bad MAC; may place a temporary block.
	Failure(ctx context.Context, clientID string, ipHash []byte) (bool, time.Duration, error)
}

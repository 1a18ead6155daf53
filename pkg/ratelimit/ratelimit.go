// Package ratelimit implements the rate limiter & nonce store (C3): an
// atomic fixed-window counter per identifier, and a set-once nonce table.
// Both collaborate with the storage backend but are kept as a distinct
// component because their access pattern (hot, short-TTL, high-churn) favors
// a dedicated backend — Redis in production, an in-process map for the
// memory storage build.
package ratelimit

import (
	"context"
	"time"
)

// Limiter is the abstract contract for C3. Implementations must make both
// methods atomic: a fixed-window counter increment/reset, and a set-once
// insert.
type Limiter interface {
	// Allow atomically increments the counter for identifier, resetting it
	// to 1 if the window has elapsed since the last reset, and reports
	// whether the post-increment count is within limit.
	Allow(ctx context.Context, identifier string, limit int, window time.Duration) (bool, error)

	// CheckAndMarkNonce inserts key iff absent, returning true only when
	// this call performed the insert. ttl bounds how long the key is
	// retained for replay detection.
	CheckAndMarkNonce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Package ratelimit implements per-client sliding-window request limits.
package ratelimit

import (
	"context"
	"time"
)

const (
	ScopeAuth = "auth"
	ScopeAPI  = "api"

	AuthMessage = "too many authentication attempts, please try again later"
	APIMessage  = "too many requests, please try again later"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
}

// RetryAfter is how long a rejected client should wait, rounded up to at
// least one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// Limiter counts requests per key inside a sliding window. Rejected requests
// are not counted.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

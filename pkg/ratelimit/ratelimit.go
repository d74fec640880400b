// Package ratelimit implements the per-key sliding-window limiter.
//
// A key on a plan allowing L requests per minute is admitted when fewer than L
// admitted requests fall inside the trailing 60 seconds. Entries age out lazily
// on access. A limit of zero or less admits without recording.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Window is the length of the sliding window
const Window = time.Minute

// Decision is the outcome of an Allow call
type Decision struct {
	Key       string
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is set on rejections; whole seconds, at least one
	RetryAfter time.Duration
	// ResetAt is when the oldest entry in the window ages out
	ResetAt time.Time

	// slot identifies the recorded entry so Release can remove it
	slot string
}

// Unlimited reports whether the decision came from an unlimited plan
func (d Decision) Unlimited() bool {
	return d.Limit <= 0
}

// RetryAfterSeconds is RetryAfter as an integer for the Retry-After header
func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

// Limiter decides whether a key may make another request
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
	// Release removes the entry recorded by an admitted decision, for requests a
	// later admission step rejected. Releasing a rejected decision is a no-op.
	Release(ctx context.Context, d Decision) error
}

// retryAfter computes ceil(window - (now - oldest)) in whole seconds, minimum 1s
func retryAfter(now, oldest time.Time) time.Duration {
	remaining := Window - now.Sub(oldest)
	secs := int64(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

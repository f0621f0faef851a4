// Package ratelimit implements per-identity fixed-window request limiting.
//
// A Store answers one question per request: may this key be admitted in the
// current window, and if not, how many whole seconds until it may. The
// in-process MemoryStore serves a single instance; RedisStore shares counters
// across instances.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidLimit is returned when window or max is not positive.
var ErrInvalidLimit = errors.New("ratelimit: window and max must be positive")

// Decision is the outcome of one Check.
type Decision struct {
	Limited bool
	// RetryAfter is in whole seconds, rounded up. Zero when admitted.
	RetryAfter int
	Count      int
	Limit      int
	ResetAt    time.Time
}

// Store counts requests per key.
type Store interface {
	Check(ctx context.Context, key string, window time.Duration, max int) (Decision, error)
}

func validate(window time.Duration, max int) error {
	if window <= 0 || max <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// retryAfterSeconds rounds remaining up to whole seconds, never below 1 while
// time is left.
func retryAfterSeconds(remaining time.Duration) int {
	if remaining <= 0 {
		return 0
	}
	secs := remaining / time.Second
	if remaining%time.Second != 0 {
		secs++
	}
	return int(secs)
}

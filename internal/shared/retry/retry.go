// Package retry holds the one retry policy the validation pipeline applies.
// The policy is pure data plus a driver; what "one attempt" means stays with
// the caller.
package retry

import (
	"context"
	"time"
)

// Policy describes how many times to try and how long to pause between
// attempts.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Do runs fn until it reports success or MaxAttempts is reached, sleeping
// Backoff between attempts. A dead context cuts the backoff short and stops
// further attempts; the attempt already underway is fn's to bound. Returns
// the number of attempts made and whether the last one succeeded.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) bool) (attempts int, ok bool) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	for attempt := 1; ; attempt++ {
		if fn(ctx, attempt) {
			return attempt, true
		}
		if attempt >= max || ctx.Err() != nil {
			return attempt, false
		}
		if p.Backoff > 0 {
			timer := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, false
			case <-timer.C:
			}
		}
	}
}

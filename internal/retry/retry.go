// Package retry implements the fixed exponential backoff schedule spec.md
// §4.E/§4.H mandates for lock acquisition: three attempts at 1s, 2s, 4s
// before giving up.
//
// Grounded on spec.md's own retry schedule; no example repo owns a generic
// backoff helper (core/common_structs.go only carries a RetryBackoff
// duration field, never a scheduler), so this is a small stdlib "time"
// loop rather than importing a third-party backoff library for three
// fixed delays.
package retry

import (
	"context"
	"time"
)

// Schedule is the delay before each retry attempt, in order.
var Schedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Do calls fn up to len(Schedule)+1 times, sleeping the scheduled delay
// between attempts, stopping early on success, on ctx cancellation, or when
// shouldRetry(err) reports false for a given failure.
func Do(ctx context.Context, shouldRetry func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt >= len(Schedule) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Schedule[attempt]):
		}
	}
}

package util

import (
	"context"
	"time"
)

// Retry runs fn up to attempts times, doubling the delay between failed
// attempts starting from backoff. A non-positive attempts means one try.
// No delay is spent after the final failure. Context cancellation during
// a delay aborts with the context error.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := backoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

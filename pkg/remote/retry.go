package remote

import (
	"context"
	"errors"
	"time"
)

// Retry calls fn up to attempts times, doubling backoff between attempts.
// Only transport failures are retried; any other error, including a remote
// rejection, is returned immediately. Context cancellation stops the loop
// and returns the context error joined with the last failure.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), lastErr)
			case <-timer.C:
			}
			backoff *= 2
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransport) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

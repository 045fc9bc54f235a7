package connection

import (
	"context"
	"errors"
	"time"
)

// Retry calls fn until it succeeds, attempts calls have failed, or ctx is
// done. Between calls it waits for the next backoff delay. It returns the
// last error from fn, joined with the context error if ctx ended the
// retries. attempts below 1 means a single call.
func Retry(ctx context.Context, b *Backoff, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			b.Reset()
			return nil
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(b.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

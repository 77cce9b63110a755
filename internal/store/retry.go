package store

import (
	"context"
	"math/rand/v2"
	"time"
)

// WithRetry executes fn, retrying up to maxRetries times while SQLite reports
// the database busy or locked by another process. Retries use jittered
// exponential backoff starting at baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(0)
		if baseDelay > 0 {
			jitter = time.Duration(rand.Int64N(int64(baseDelay)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}

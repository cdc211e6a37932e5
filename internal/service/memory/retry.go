package memory

import (
	"context"
	"math/rand/v2"
	"time"
)

// Transient failures (embedder or vector store timeouts) are retried with
// jittered exponential backoff and surfaced on the final attempt.
const (
	maxAttempts    = 3
	retryBaseDelay = 100 * time.Millisecond
)

// withRetry runs fn up to maxAttempts times. Context cancellation stops
// retries immediately.
func withRetry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || attempt == maxAttempts {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}

package uploader

import (
	"context"
	"time"
)

// retryConfig bounds an exponential back-off retry loop: maxAttempts tries,
// doubling the delay each time up to maxDelay.
type retryConfig struct {
	maxAttempts int
	maxDelay    time.Duration
}

// logUploadRetry matches the original uploader's log-file retry budget.
var logUploadRetry = retryConfig{maxAttempts: 3, maxDelay: 30 * time.Second}

// storeCopyRetry matches the original uploader's store-path retry budget.
var storeCopyRetry = retryConfig{maxAttempts: 5, maxDelay: 60 * time.Second}

// retry calls fn until it succeeds or cfg.maxAttempts is exhausted, sleeping
// an exponentially increasing delay (starting at 1s, capped at cfg.maxDelay)
// between attempts. Returns the last error if every attempt failed.
func retry(ctx context.Context, cfg retryConfig, fn func() error) error {
	delay := time.Second
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	var err error
	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == cfg.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
	}
	return err
}

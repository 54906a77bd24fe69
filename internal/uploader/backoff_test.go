package uploader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsWithoutExhaustingAttempts(t *testing.T) {
	cfg := retryConfig{maxAttempts: 5, maxDelay: time.Millisecond}
	calls := 0
	err := retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	cfg := retryConfig{maxAttempts: 3, maxDelay: time.Millisecond}
	calls := 0
	err := retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, cfg.maxAttempts, calls)
}

func TestRetryAbortsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := retryConfig{maxAttempts: 5, maxDelay: time.Second}
	calls := 0
	err := retry(ctx, cfg, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errors.New("still failing")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

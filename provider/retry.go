package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/hatcher/hatch/logs"
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
)

// retryClient wraps a Client and retries transient connection failures
// with exponential backoff. Only errors that occur before the stream is
// established are retried; mid-stream failures surface to the caller,
// which owns the partial content.
type retryClient struct {
	inner Client
}

func WithRetry(inner Client) Client {
	return &retryClient{inner: inner}
}

func (c *retryClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			logs.Infof("retrying model request (attempt %d/%d)", attempt, maxRetries)
		}

		events, err := c.inner.Stream(ctx, req)
		if err == nil {
			return events, nil
		}
		lastErr = err

		var provErr *Error
		if !errors.As(err, &provErr) || !provErr.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

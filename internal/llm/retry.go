package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"argo/internal/logging"
)

// retryClient decorates a Client with bounded retries: up to maxRetries on
// rate limiting (jittered backoff) and a single retry on transient transport
// errors. Context overflow and provider errors pass through untouched.
type retryClient struct {
	inner      Client
	maxRetries int
	baseDelay  time.Duration
	logger     logging.Logger
}

// WithRetry wraps client with the standard retry policy.
func WithRetry(client Client, maxRetries int, logger logging.Logger) Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &retryClient{
		inner:      client,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		logger:     logging.OrNop(logger),
	}
}

func (r *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	transientUsed := false
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrRateLimited):
			if attempt == r.maxRetries {
				return nil, err
			}
		case errors.Is(err, ErrTransient):
			if transientUsed {
				return nil, err
			}
			transientUsed = true
		default:
			return nil, err
		}

		delay := r.baseDelay<<attempt + time.Duration(rand.Int63n(int64(r.baseDelay)))
		r.logger.Warn("llm call failed (attempt %d/%d), retrying in %s: %v",
			attempt+1, r.maxRetries, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

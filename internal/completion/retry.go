package completion

import (
	"context"
	"time"

	"github.com/ent0n29/chatsession/internal/reliability"
)

type RetryPolicy struct {
	// Timeout bounds each attempt; zero disables the per-attempt deadline.
	Timeout time.Duration
	Retries int
	Base    time.Duration
	Cap     time.Duration
}

// RetryClient repeats retryable failures with capped exponential backoff.
type RetryClient struct {
	inner  Client
	policy RetryPolicy
	sleep  func(context.Context, time.Duration) error
}

func NewRetryClient(inner Client, policy RetryPolicy) *RetryClient {
	if policy.Base <= 0 {
		policy.Base = 250 * time.Millisecond
	}
	if policy.Cap < policy.Base {
		policy.Cap = policy.Base
	}
	return &RetryClient{inner: inner, policy: policy, sleep: reliability.Sleep}
}

func (c *RetryClient) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.policy.Retries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.policy.Base, c.policy.Cap)
			if err := c.sleep(ctx, wait); err != nil {
				return Response{}, err
			}
		}
		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !reliability.IsRetryable(err) {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

func (c *RetryClient) attempt(ctx context.Context, req Request) (Response, error) {
	if c.policy.Timeout <= 0 {
		return c.inner.Complete(ctx, req)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()
	return c.inner.Complete(attemptCtx, req)
}

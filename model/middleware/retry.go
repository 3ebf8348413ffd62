package middleware

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/agentydragon/coreagent/model"
)

// RetryPolicy retries a model.Client's transient failures with exponential
// backoff and full jitter, per §5's "retried on transient errors with
// exponential backoff + jitter and a bounded attempt count." Only
// model.ErrRateLimited is treated as retryable here: other errors (context
// length exceeded, malformed input) are not transient and surface
// immediately so handlers can react per §7.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

type retryingClient struct {
	next   model.Client
	policy RetryPolicy
}

// Middleware wraps next so ResponsesCreate retries model.ErrRateLimited up
// to MaxAttempts times, sleeping for an exponentially growing, randomly
// jittered delay between attempts.
func (p RetryPolicy) Middleware(next model.Client) model.Client {
	if next == nil {
		return nil
	}
	return &retryingClient{next: next, policy: p.withDefaults()}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

func (c *retryingClient) ResponsesCreate(ctx context.Context, req model.Request) (model.Response, error) {
	var lastErr error
	delay := c.policy.InitialDelay
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		resp, err := c.next.ResponsesCreate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, model.ErrRateLimited) {
			return model.Response{}, err
		}
		if attempt == c.policy.MaxAttempts-1 {
			break
		}
		jittered := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > c.policy.MaxDelay {
			delay = c.policy.MaxDelay
		}
	}
	return model.Response{}, lastErr
}

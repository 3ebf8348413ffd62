// Package middleware provides reusable model.Client middlewares, currently
// an adaptive rate limiter.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/model"
)

// AdaptiveRateLimiter applies an AIMD-style token bucket in front of a
// model.Client: it estimates the token cost of each request, blocks until
// capacity is available, and halves its tokens-per-minute budget whenever
// the wrapped client reports model.ErrRateLimited, recovering gradually
// afterward. It is process-local.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

type limitedClient struct {
	next    model.Client
	limiter *AdaptiveRateLimiter
}

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget. maxTPM is clamped up to initialTPM if smaller.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware wraps next so every ResponsesCreate call waits on the limiter
// first and adjusts the budget based on the outcome.
func (l *AdaptiveRateLimiter) Middleware(next model.Client) model.Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

func (c *limitedClient) ResponsesCreate(ctx context.Context, req model.Request) (model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return model.Response{}, err
	}
	resp, err := c.next.ResponsesCreate(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req model.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// CurrentTPM reports the limiter's current tokens-per-minute budget, for
// telemetry and tests.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens is a cheap heuristic: count characters across text items in
// the request input, convert at ~3 chars/token, and add a fixed buffer for
// system prompts and provider framing.
func estimateTokens(req model.Request) int {
	charCount := 0
	for _, item := range req.Input {
		switch v := item.(type) {
		case event.SystemText:
			charCount += len(v.Text)
		case event.UserText:
			charCount += len(v.Text)
		case event.AssistantText:
			charCount += len(v.Text)
		case event.FunctionCallOutput:
			charCount += len(v.Result)
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

package model

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Invoker performs the actual provider call for one model attempt. The
// reliability engine owns retries, fallback, breaker gating and budget
// enforcement; implementations own the wire protocol and should return
// *APIError for provider-reported failures so classification can use
// the structured status code.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (*Response, error)

// Invoke implements Invoker
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

const (
	// Conservative defaults that stay well under common provider tiers
	defaultRateLimit = rate.Limit(1)
	defaultBurstSize = 10
)

// RateLimitedInvoker wraps an Invoker with proactive client-side rate
// limiting: it waits BEFORE hitting the provider instead of reacting
// to 429s after the fact.
type RateLimitedInvoker struct {
	inner   Invoker
	limiter *rate.Limiter
}

// NewRateLimitedInvoker wraps inner with the default limiter.
func NewRateLimitedInvoker(inner Invoker) *RateLimitedInvoker {
	return NewRateLimitedInvokerWithLimit(inner, defaultRateLimit, defaultBurstSize)
}

// NewRateLimitedInvokerWithLimit wraps inner with an explicit limit.
func NewRateLimitedInvokerWithLimit(inner Invoker, limit rate.Limit, burst int) *RateLimitedInvoker {
	return &RateLimitedInvoker{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Invoke waits for the rate limiter, then delegates.
func (r *RateLimitedInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return r.inner.Invoke(ctx, req)
}

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"forgecli/internal/domain"
)

// RateLimiter implements a sliding-window rate limiter. It tracks timestamps
// of allowed calls and rejects new calls when the count within the window
// exceeds the limit.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time // for testing
}

// NewRateLimiter creates a rate limiter that allows limit calls per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow returns true if a call is allowed under the rate limit, and records it.
// Returns false if the limit has been reached within the current window.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	// Trim expired entries.
	n := 0
	for _, t := range r.calls {
		if t.After(cutoff) {
			r.calls[n] = t
			n++
		}
	}
	r.calls = r.calls[:n]

	if len(r.calls) >= r.limit {
		return false
	}

	r.calls = append(r.calls, now)
	return true
}

// Reset clears all recorded calls. Useful for testing.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = r.calls[:0]
}

// RateLimitedTool wraps a Tool so that calls exceeding the limit come back as
// in-band error results the model can react to, not aborted turns.
type RateLimitedTool struct {
	inner   domain.Tool
	limiter *RateLimiter
}

// WithRateLimit wraps a tool with the given limiter.
func WithRateLimit(t domain.Tool, limiter *RateLimiter) domain.Tool {
	return &RateLimitedTool{inner: t, limiter: limiter}
}

func (r *RateLimitedTool) Name() string              { return r.inner.Name() }
func (r *RateLimitedTool) Description() string       { return r.inner.Description() }
func (r *RateLimitedTool) Schema() domain.ToolSchema { return r.inner.Schema() }

func (r *RateLimitedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if !r.limiter.Allow() {
		return &domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("%v for tool %q, wait before retrying", domain.ErrRateLimit, r.inner.Name()),
		}, nil
	}
	return r.inner.Execute(ctx, params)
}

package collector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound requests and tracks the quota GitLab reports
type RateLimiter interface {
	Wait(ctx context.Context) error
	CheckLimit() (remaining int, resetTime time.Time, err error)
	UpdateLimit(remaining int, resetTime time.Time)
}

// gitlabRateLimiter implements RateLimiter for the GitLab API.
// Pacing never waits for the quota reset; an exhausted quota surfaces as a 429
// which the backoff handles.
type gitlabRateLimiter struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	remaining int
	resetTime time.Time
}

// NewRateLimiter creates a new rate limiter allowing rps requests per second
func NewRateLimiter(rps float64, burst int) RateLimiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &gitlabRateLimiter{
		limiter:   rate.NewLimiter(limit, burst),
		remaining: -1,
	}
}

// Wait blocks until the next request may be sent
func (r *gitlabRateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// CheckLimit returns the last quota reported by the server; remaining is -1
// when no response carried the headers yet
func (r *gitlabRateLimiter) CheckLimit() (remaining int, resetTime time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining, r.resetTime, nil
}

// UpdateLimit updates the quota from API response headers
func (r *gitlabRateLimiter) UpdateLimit(remaining int, resetTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining = remaining
	r.resetTime = resetTime
}

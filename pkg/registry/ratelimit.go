package registry

import (
	"sync"
	"time"

	"github.com/meshcore/meshcore/pkg/clock"
	"github.com/meshcore/meshcore/pkg/errkind"
)

// RateLimiter is a sliding-window request limiter keyed by
// client/route, adapted from the teacher's internal/gateway.go
// RateLimiter — generalized to any string key and driven by the
// shared clock instead of time.Now so tests can control the window.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	clk      clock.Clock
}

// NewRateLimiter builds a limiter admitting up to limit requests per
// window, per key.
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		clk:      clk,
	}
}

// Allow reports whether a request for key is admitted, recording it
// if so. Entries older than the window are purged on every call.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// AllowErr is Allow expressed as the §6 RATE_LIMITED error contract,
// for callers that want to propagate a typed error rather than a bool.
func (rl *RateLimiter) AllowErr(key string) error {
	if !rl.Allow(key) {
		return errkind.New("registry.RateLimiter", errkind.RateLimited, nil)
	}
	return nil
}

// Count returns the number of requests currently counted in the
// window for key, for tests and observability.
func (rl *RateLimiter) Count(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.clk.Now().Add(-rl.window)
	n := 0
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Package ratelimit provides a per-hostname token-bucket limiter,
// used by the fetch worker to bound outbound request rate to any one
// third party regardless of how many links for that host are in
// flight across the fetch stage's partitions.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter hands out a rate.Limiter per hostname, lazily created
// with capacity 1 and the configured refill rate (default 1/s).
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	burst    int
	limit    rate.Limit
}

// NewHostLimiter builds a limiter that allows one request per
// interval, per hostname, with burst capacity 1. Interval is in
// seconds; zero or negative falls back to 1.
func NewHostLimiter(interval float64) *HostLimiter {
	if interval <= 0 {
		interval = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		burst:    1,
		limit:    rate.Limit(1 / interval),
	}
}

// Wait blocks until a token is available for host, or ctx is done.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.limiterFor(host).Wait(ctx)
}

func (h *HostLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = l
	}
	return l
}

// Package ratelimit throttles requests per department. Both backends keep a
// sliding log of request timestamps over the trailing minute, so a department
// that burns its allowance in a burst gets slots back one at a time as old
// requests age out, not all at once on a window boundary.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter reports whether one more request fits under the department's
// per-minute limit, how many slots remain after this call, and when the next
// slot frees up.
type RateLimiter interface {
	Allow(ctx context.Context, departmentID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

const windowSize = time.Minute

// InMemoryRateLimiter keeps the sliding logs in process memory. For a single
// gateway instance; multi-instance deployments share state through the Redis
// backend instead.
type InMemoryRateLimiter struct {
	mu   sync.Mutex
	logs map[string][]time.Time
	now  func() time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		logs: make(map[string][]time.Time),
		now:  time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, departmentID string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-windowSize)

	log := r.logs[departmentID]
	kept := log[:0]
	for _, ts := range log {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		r.logs[departmentID] = kept
		// The oldest surviving entry aging out frees the next slot.
		resetAt := now.Add(windowSize)
		if len(kept) > 0 {
			resetAt = kept[0].Add(windowSize)
		}
		return false, 0, resetAt, nil
	}

	kept = append(kept, now)
	r.logs[departmentID] = kept
	return true, limit - len(kept), kept[0].Add(windowSize), nil
}

package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator suppresses repeated budget alerts. Running multiple gateway
// instances against a shared ledger, only one instance should dispatch any
// given alert.
type Deduplicator interface {
	// ShouldAlert reports whether an alert at this level is new for the
	// department and marks it sent.
	ShouldAlert(ctx context.Context, departmentID string, level Level) bool

	// ClearAlert resets the alert state for a department, e.g. when spend
	// drops back below the warning threshold after a budget increase.
	ClearAlert(ctx context.Context, departmentID string)
}

// InMemoryDeduplicator implements Deduplicator using in-memory state.
// Suitable for single-instance deployments.
type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]Level
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]Level),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, departmentID string, level Level) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lastLevel, exists := d.lastAlerts[departmentID]
	if exists && lastLevel == level {
		return false
	}

	d.lastAlerts[departmentID] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, departmentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, departmentID)
}

// RedisDeduplicator implements Deduplicator using Redis for distributed
// state across gateway instances.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator creates a Redis-backed deduplicator. lockTTL
// determines how long an alert is considered sent before it can fire again;
// one hour is a reasonable default since budgets reset monthly.
func NewRedisDeduplicator(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(departmentID string, level Level) string {
	return fmt.Sprintf("budget:alert:%s:%s", departmentID, level)
}

// ShouldAlert uses SETNX for an atomic check-and-set. Only one instance
// will successfully set the key and return true. On Redis error the alert
// is allowed through (fail open).
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, departmentID string, level Level) bool {
	key := d.alertKey(departmentID, level)

	acquired, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		return true
	}

	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, departmentID string) {
	pattern := fmt.Sprintf("budget:alert:%s:*", departmentID)
	keys, err := d.client.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}

	d.client.Del(ctx, keys...)
}

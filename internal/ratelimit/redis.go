package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter shares sliding logs across gateway instances. The whole
// prune-count-record sequence runs as one Lua script so two instances racing
// on the last slot can never both claim it. Timestamps are stored in
// milliseconds; nanoseconds would overflow Lua's float64 integer range.
type RedisRateLimiter struct {
	client *redis.Client
}

var allowScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
	local reset = now + window
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end
	return {0, 0, reset}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {1, limit - count - 1, tonumber(oldest[2]) + window}
`)

// NewRedisRateLimiter wraps a client the caller owns; closing it is the
// caller's job since the ledger and dedup store share the same connection.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, departmentID string, limit int) (bool, int, time.Time, error) {
	vals, err := allowScript.Run(ctx, r.client,
		[]string{"ratelimit:dept:" + departmentID},
		limit,
		time.Now().UnixMilli(),
		windowSize.Milliseconds(),
		uuid.New().String(),
	).Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	resetMs, _ := vals[2].(int64)

	return allowed == 1, int(remaining), time.UnixMilli(resetMs), nil
}

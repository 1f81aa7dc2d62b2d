package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces the outbound send rate using an atomic Redis Lua
// script. A plain GET, check, INCR sequence races under concurrent workers
// and overshoots the limit.
type RateLimiter struct {
	redis     *redis.Client
	perMinute int

	script *redis.Script
}

// Lua script that checks the minute counter and increments only when the
// send still fits under the limit.
const minuteLimitLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewRateLimiter creates a limiter allowing perMinute sends per minute.
func NewRateLimiter(redisClient *redis.Client, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		redis:     redisClient,
		perMinute: perMinute,
		script:    redis.NewScript(minuteLimitLuaScript),
	}
}

// NewRateLimiterFromURL connects to Redis and verifies the connection.
func NewRateLimiterFromURL(redisURL string, perMinute int) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRateLimiter(client, perMinute), nil
}

// Allow atomically reserves one send in the current minute bucket. When
// denied, waitTime says how long until the bucket rolls over.
func (r *RateLimiter) Allow(ctx context.Context) (allowed bool, waitTime time.Duration, err error) {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:send:min:%d", now.Unix()/60)

	result, err := r.script.Run(ctx, r.redis, []string{key},
		1, r.perMinute, 120).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	return false, time.Duration(60-now.Second()) * time.Second, nil
}

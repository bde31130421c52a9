// Package ratelimit bounds how often a single actor may fire manual
// collection triggers. The bucket lives in Redis so every API replica
// shares the same budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const triggerKeyPrefix = "collections:trigger:"

// TriggerLimiter is a distributed token bucket keyed per triggering actor.
type TriggerLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTriggerLimiter constructs a limiter with the provided capacity/refill.
func NewTriggerLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TriggerLimiter {
	return &TriggerLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// AllowTrigger consumes one token for the actor if available. Returns the
// allowed flag and the remaining token count.
func (l *TriggerLimiter) AllowTrigger(ctx context.Context, actorID string) (bool, float64, error) {
	if actorID == "" {
		actorID = "anonymous"
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{triggerKeyPrefix + actorID},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	default:
		tokens = 0
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)

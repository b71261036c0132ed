// Package pingrate rate-limits recorder-client ping/RPC traffic with a
// Redis-backed token bucket, so a large fleet's monitor tick doesn't
// stampede every host's connection at once.
package pingrate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BucketConfig is one host's token-bucket shape: how many pings it can
// burst, and how fast the bucket refills.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// NewBucketConfigFromPerSecond builds a bucket that allows perSecond pings
// per second with a one-second burst capacity.
func NewBucketConfigFromPerSecond(perSecond int) BucketConfig {
	if perSecond <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{Capacity: int64(perSecond), RefillRate: float64(perSecond)}
}

// Limiter rate-limits ping traffic per host via a Lua token-bucket script,
// grounded on the teacher's Redis-Lua rate limiter pattern. Limiters with a
// nil Redis client fail open: ping traffic is never blocked by a Redis
// outage, only smoothed when Redis is healthy.
type Limiter struct {
	redis   *redis.Client
	buckets map[string]BucketConfig
	script  *redis.Script
	mu      sync.RWMutex
	log     *slog.Logger
}

// New constructs a Limiter. A nil rdb makes every Allow call pass through.
func New(rdb *redis.Client, buckets map[string]BucketConfig, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &Limiter{redis: rdb, buckets: buckets, script: redis.NewScript(luaTokenBucketScript), log: log}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    -- milliseconds: Redis truncates Lua numbers in replies to integers
    retry_after = math.ceil(shortage / refill_rate * 1000)
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, last_refill, retry_after }
`

// Allow reports whether a ping to host may proceed now, and if not, how
// long until it would be.
func (l *Limiter) Allow(ctx context.Context, host string) (allowed bool, retryAfter time.Duration, err error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[host]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.redis, []string{"pingrate:" + host}, cfg.Capacity, cfg.RefillRate, now, 1).Result()
	if err != nil {
		l.log.Error("pingrate script error", slog.String("host", host), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		l.log.Error("pingrate unexpected script result", slog.String("host", host), slog.Any("result", res))
		return true, 0, nil
	}

	allowed = toInt64(vals[0]) == 1
	retryAfterMs := toFloat64(vals[3])
	return allowed, time.Duration(retryAfterMs * float64(time.Millisecond)), nil
}

// SetBucketConfig updates or creates the bucket configuration for host.
func (l *Limiter) SetBucketConfig(host string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[host] = cfg
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a shared, cross-process rate limiter, for
// deployments running more than one shadow-manager process against the
// same fleet of things.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string

	Rate   int
	Window time.Duration
}

// RedisLimiter implements Limiter against a shared Redis instance, using a
// Lua script to make the refill-and-consume sequence atomic across
// concurrent callers.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	rate   int
	window time.Duration
	script *redis.Script
}

// NewRedisLimiter dials Redis and returns a ready RedisLimiter.
func NewRedisLimiter(cfg RedisConfig) (*RedisLimiter, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "shadowmgr:ratelimit:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLimiter{
		client: client,
		prefix: cfg.KeyPrefix,
		rate:   cfg.Rate,
		window: cfg.Window,
		script: redis.NewScript(tokenBucketScript),
	}, nil
}

// tokenBucketScript refills and consumes one token atomically, storing
// {tokens, lastUpdate} as a Redis hash with a TTL so idle buckets expire
// on their own.
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'updated')
local tokens = tonumber(data[1])
local updated = tonumber(data[2])
if tokens == nil then
  tokens = rate
  updated = now
end

local elapsed = math.max(0, now - updated)
tokens = math.min(rate, tokens + (rate * elapsed / window))

local allowed = 0
if tokens >= 1.0 then
  allowed = 1
  tokens = tokens - 1.0
end

redis.call('HMSET', key, 'tokens', tokens, 'updated', now)
redis.call('EXPIRE', key, math.ceil(window * 2))

return {allowed, tokens}
`

// Allow consumes a token from thing's shared bucket via the Lua script.
// RedisLimiter keeps one bucket per thing and no separate global bucket, so
// a refusal is always reported as per-thing, never GlobalRefused.
func (l *RedisLimiter) Allow(thing string) Decision {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.client, []string{l.prefix + thing},
		l.rate, l.window.Seconds(), now).Result()
	if err != nil {
		// fail open: a down rate-limit backend must not take down the
		// request path for every thing.
		return Decision{Allowed: true}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return Decision{Allowed: true}
	}
	allowed, _ := vals[0].(int64)
	return Decision{Allowed: allowed == 1}
}

// Stats is a best-effort read of the shared bucket's token count.
func (l *RedisLimiter) Stats(thing string) (float64, int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tokens, err := l.client.HGet(ctx, l.prefix+thing, "tokens").Float64()
	if err != nil {
		return float64(l.rate), l.rate
	}
	return tokens, l.rate
}

// Close releases the underlying Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

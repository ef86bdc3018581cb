package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisIncrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter is a fixed-window request limiter shared across service
// instances, used as the fast path in front of the durable device-creation
// windows. Minute-granularity buckets.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter constructs a RedisLimiter.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: strings.TrimSpace(prefix)}
}

// Allow checks whether the request fits in the current minute's budget.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, now time.Time) (bool, error) {
	if limit <= 0 || key == "" || l == nil || l.client == nil {
		return true, nil
	}
	minute := now.Unix() / 60
	redisKey := l.buildKey(key, minute)
	res, err := redisIncrScript.Run(ctx, l.client, []string{redisKey}, 120).Result()
	if err != nil {
		return false, err
	}
	count, ok := res.(int64)
	if !ok {
		return false, errors.New("rate limit redis: unexpected response type")
	}
	return count <= int64(limit), nil
}

func (l *RedisLimiter) buildKey(key string, minute int64) string {
	bucket := strconv.FormatInt(minute, 10)
	if l.prefix == "" {
		return key + ":" + bucket
	}
	return l.prefix + ":" + key + ":" + bucket
}

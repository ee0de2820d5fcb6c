package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Reserve and Fail must read and write their keys atomically, so both run
// as Lua scripts server-side.
var (
	reserveScript = redis.NewScript(`
		local key = KEYS[1]
		local limit = tonumber(ARGV[1])
		local window_ms = tonumber(ARGV[2])
		local now_ms = tonumber(ARGV[3])
		local member = ARGV[4]

		redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
		if redis.call('ZCARD', key) >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			return {0, tonumber(oldest[2]) + window_ms - now_ms}
		end
		redis.call('ZADD', key, now_ms, member)
		redis.call('PEXPIRE', key, window_ms)
		return {1, 0}
	`)

	failScript = redis.NewScript(`
		local key = KEYS[1]
		local base_ms = tonumber(ARGV[1])
		local max_ms = tonumber(ARGV[2])

		local failures = redis.call('INCR', key .. ':failures')
		local delay = base_ms * 2 ^ (failures - 1)
		if delay > max_ms then
			delay = max_ms
		end
		redis.call('PSETEX', key .. ':until', delay, '1')
		return delay
	`)
)

// RedisStore shares limiter state across instances through Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store over client. prefix namespaces all keys.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "creditlayer:ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Reserve(ctx context.Context, key string, rule WindowRule) (bool, time.Duration, error) {
	now := time.Now()
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(key)},
		rule.Limit, rule.Window.Milliseconds(), now.UnixMilli(),
		uuid.NewString()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit reserve: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit reserve: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RedisStore) Fail(ctx context.Context, key string, base, max time.Duration) (time.Duration, error) {
	delayMS, err := failScript.Run(ctx, s.client, []string{s.key(key)},
		base.Milliseconds(), max.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit fail: %w", err)
	}
	return time.Duration(delayMS) * time.Millisecond, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	k := s.key(key)
	if err := s.client.Del(ctx, k+":failures", k+":until").Err(); err != nil {
		return fmt.Errorf("ratelimit reset: %w", err)
	}
	return nil
}

func (s *RedisStore) Delay(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.key(key)+":until").Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit delay: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

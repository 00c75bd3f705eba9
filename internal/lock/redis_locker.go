package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with SET NX PX and token-checked Lua
// scripts, making every mutation a single atomic Redis operation.
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker wraps an existing Redis client.
func NewRedisLocker(client *redis.Client, keyPrefix string) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "lock"
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix}
}

func (r *RedisLocker) lockKey(key string) string {
	return r.keyPrefix + ":" + key
}

// AcquireToken stores token under key with ttl iff key is absent.
func (r *RedisLocker) AcquireToken(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.lockKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ReleaseToken deletes key iff it still holds token.
func (r *RedisLocker) ReleaseToken(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.lockKey(key)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return n == 1, nil
}

// refreshScript resets the TTL only while the key still holds the caller's token.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RefreshToken resets key's ttl iff it still holds token.
func (r *RedisLocker) RefreshToken(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, r.client, []string{r.lockKey(key)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	return n == 1, nil
}

// Package redis implements storage.Cache over a Redis deployment.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelauth/sentinel/storage"
)

// release deletes the lock key only when the caller still owns it, so a
// holder whose TTL lapsed cannot free its successor's lock.
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLockLua = redis.NewScript(releaseLockScript)

// Cache adapts a Redis client to storage.Cache. All transport failures are
// wrapped with storage.ErrUnavailable; missing keys map to storage.ErrNotFound.
type Cache struct {
	client redis.UniversalClient
}

// NewCache wraps an already-configured Redis client.
func NewCache(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, wrap(err)
	}
	return data, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := c.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return wrap(err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	if ttl == -2 {
		return 0, storage.ErrNotFound
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (c *Cache) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.client.SAdd(ctx, key, args...).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (c *Cache) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.client.SRem(ctx, key, args...).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (c *Cache) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, wrap(err)
	}
	return members, nil
}

func (c *Cache) SortedAdd(ctx context.Context, key, member string, score float64) error {
	if err := c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (c *Cache) SortedRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return members, nil
}

func formatScore(score float64) string {
	switch {
	case score <= -1e308:
		return "-inf"
	case score >= 1e308:
		return "+inf"
	default:
		return fmt.Sprintf("%f", score)
	}
}

func (c *Cache) SortedRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.client.ZRem(ctx, key, args...).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (c *Cache) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return nil, wrap(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, wrap(err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (c *Cache) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseLockLua.Run(ctx, c.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return wrap(err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our owner token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

type RedisBackend struct {
	client redis.UniversalClient
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisKey(key Key) string {
	return fmt.Sprintf("lock:%s:%s", key.TenantID, key.Purpose)
}

func (b *RedisBackend) TryAcquire(ctx context.Context, key Key, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, redisKey(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release is a no-op when the key expired or was taken over by another owner.
func (b *RedisBackend) Release(ctx context.Context, key Key, owner string) error {
	if err := b.client.Eval(ctx, releaseScript, []string{redisKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

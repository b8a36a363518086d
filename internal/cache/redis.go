package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	tokenKey       = "scan:token"
	retryKeyFmt    = "scan:retries:%s"
	cooldownKeyFmt = "rate_limit:%s"

	retryTTL = 24 * time.Hour
)

// RedisCache holds the shared access token and per-URL retry counters. No
// locking: concurrent scans may overwrite each other's token.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCache{client: client}
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Token returns the cached token, or "" when none is set.
func (r *RedisCache) Token(ctx context.Context) (string, error) {
	token, err := r.client.Get(ctx, tokenKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	return token, err
}

func (r *RedisCache) SetToken(ctx context.Context, token string) error {
	return r.client.Set(ctx, tokenKey, token, 0).Err()
}

func (r *RedisCache) ClearToken(ctx context.Context) error {
	return r.client.Del(ctx, tokenKey).Err()
}

func (r *RedisCache) Retries(ctx context.Context, url string) (int, error) {
	count, err := r.client.Get(ctx, retryKey(url)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

func (r *RedisCache) IncrRetries(ctx context.Context, url string) (int, error) {
	key := retryKey(url)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		r.client.Expire(ctx, key, retryTTL)
	}
	return int(count), nil
}

func (r *RedisCache) ResetRetries(ctx context.Context, url string) error {
	return r.client.Del(ctx, retryKey(url)).Err()
}

// CanScanURL reports whether an ad-hoc scan of url may start now; it allows
// one request per cooldown window.
func (r *RedisCache) CanScanURL(ctx context.Context, url string, cooldown time.Duration) bool {
	key := fmt.Sprintf(cooldownKeyFmt, url)
	count := r.client.Incr(ctx, key).Val()
	if count == 1 {
		r.client.Expire(ctx, key, cooldown)
	}
	return count == 1
}

func retryKey(url string) string {
	return fmt.Sprintf(retryKeyFmt, url)
}

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"agentdispatch/internal/infra/config"
)

// RedisCache shares tool results between agentd instances. Expiry is
// delegated to Redis, so Purge is a no-op.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisCache connects to the configured Redis server and pings it.
func NewRedisCache(cfg config.CacheConfig, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis cache ping %s: %w", cfg.RedisAddr, err)
	}
	return newRedisCacheWithClient(client, cfg.Prefix, logger), nil
}

func newRedisCacheWithClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("tool cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return json.RawMessage(data), true
}

func (c *RedisCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, []byte(value), ttl).Err(); err != nil {
		c.logger.Warn("tool cache write failed", "key", key, "error", err)
	}
}

func (c *RedisCache) Purge(context.Context) int { return 0 }

// Len counts keys under the cache prefix.
func (c *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n := 0
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }

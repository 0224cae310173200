package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options holds Redis connection settings.
type Options struct {
	Address  string
	Password string
	DB       int
}

// RedisCache implements Cache over a Redis server.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache opens a client; the connection is verified lazily on first use.
func NewRedisCache(opts Options) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		}),
	}
}

// Ping tests connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string) (bool, string, error) {
	s, err := c.client.Get(ctx, key).Result()
	// Convert key not found into returning false and nil err.
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, s, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	// No caching if ttl < 0.
	if ttl < 0 {
		return nil
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

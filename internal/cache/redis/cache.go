// Package redis provides Redis-based object-header caching and the
// distributed run lock.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/ndn-sync/internal/config"
	"github.com/prn-tf/ndn-sync/internal/repository"
)

// Client wraps a Redis client.
type Client struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewClient creates and verifies a Redis connection.
func NewClient(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("connected to Redis")

	return &Client{client: client, logger: logger}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.logger.Info().Msg("closing Redis connection")
	return c.client.Close()
}

// Health checks the connection.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Key prefixes
const (
	prefixObject = "ndn_obj:"
	prefixLock   = "run_lock:"
)

// defaultCacheTTL bounds cached object headers. Entries never go stale,
// the TTL only caps memory.
const defaultCacheTTL = 30 * time.Minute

// Cache implements repository.Cache on Redis.
type Cache struct {
	client *Client
	ttl    time.Duration
}

// NewCache creates a Redis-backed cache.
func NewCache(client *Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached value or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.client.Get(ctx, prefixObject+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}
	return val, nil
}

// Set stores a value; a non-positive ttl uses the cache default.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.client.client.Set(ctx, prefixObject+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.client.Del(ctx, prefixObject+key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Exists reports whether a key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.client.Exists(ctx, prefixObject+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cache entry: %w", err)
	}
	return n > 0, nil
}

// Ensure Cache implements repository.Cache.
var _ repository.Cache = (*Cache)(nil)

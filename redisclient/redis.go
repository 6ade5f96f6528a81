package redisclient

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/AlfredDev/sage/config"
    "github.com/redis/go-redis/v9"
)

// Client wraps the remote key/value store used as the cache's second
// tier and as the persistence backend for bandit and budget state.
type Client struct {
    c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
    opt, err := redis.ParseURL(cfg.RedisURL)
    if err != nil {
        return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
    }
    opt.PoolSize = cfg.CacheMaxConnections
    r := redis.NewClient(opt)
    return &Client{c: r}, nil
}

func (r *Client) Ping(ctx context.Context) error {
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return r.c.Ping(ctx).Err()
}

// Get returns the raw bytes stored at key. The second return value is
// false when the key is absent.
func (r *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
    val, err := r.c.Get(ctx, key).Bytes()
    if errors.Is(err, redis.Nil) {
        return nil, false, nil
    }
    if err != nil {
        return nil, false, fmt.Errorf("redis get %s: %w", key, err)
    }
    return val, true, nil
}

// Set stores raw bytes at key with the given TTL. A zero TTL means no expiry.
func (r *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
    if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
        return fmt.Errorf("redis set %s: %w", key, err)
    }
    return nil
}

// Delete removes a key.
func (r *Client) Delete(ctx context.Context, key string) error {
    return r.c.Del(ctx, key).Err()
}

func (r *Client) Close() error {
    return r.c.Close()
}

// Package redisclient wraps the Redis client used by the optional
// distributed denial cache.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/AlfredDev/quota-core/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a redis.Client.
type Client struct {
	C *redis.Client
}

// New creates a Redis client from the provided config. Returns an error if
// the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{C: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity with a short timeout.
func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.C.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Client) Close() error {
	return r.C.Close()
}

// Package counters wraps the shared redis counter store used by telemetry
// and the currency rate loader. Nothing correctness-critical lives here;
// every method degrades to a zero value when a key is absent.
package counters

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Client is a thin wrapper around one redis connection pool.
type Client struct {
	rdb *redis.Client
}

// Dial parses a redis URL, connects and pings once.
func Dial(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Get returns the string value of key, "" when absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// GetInt returns key as an int64, 0 when absent or non-numeric.
func (c *Client) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := c.Get(ctx, key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Set stores val under key with no expiry.
func (c *Client) Set(ctx context.Context, key string, val any) error {
	return c.rdb.Set(ctx, key, val, 0).Err()
}

// IncrBy atomically adds n to key.
func (c *Client) IncrBy(ctx context.Context, key string, n int64) error {
	return c.rdb.IncrBy(ctx, key, n).Err()
}

// Incr atomically adds one to key.
func (c *Client) Incr(ctx context.Context, key string) error {
	return c.rdb.Incr(ctx, key).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

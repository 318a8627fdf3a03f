package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// windowScript increments a fixed-window counter and sets its expiry only when
// the key is created, returning the new count and the remaining TTL in ms.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`)

// reserveScript adds ARGV[1] to a counter only when the result stays within
// ARGV[2]. It returns {1, new value} on success and {0, current value} otherwise.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
if current + delta > tonumber(ARGV[2]) then
	return {0, current}
end
return {1, redis.call('INCRBY', KEYS[1], delta)}
`)

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// NewFromClient wraps an already configured go-redis client.
func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// GetInt reads an integer counter, treating a missing key as zero.
func (c *Client) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// IncrBy atomically adds delta (which may be negative) to a counter.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.client.IncrBy(ctx, key, delta).Result()
}

// IncrWithin adds delta to a counter if the result does not exceed limit. The
// check and the increment run as one script, so concurrent callers cannot
// both pass the check against the same value.
func (c *Client) IncrWithin(ctx context.Context, key string, delta, limit int64) (int64, bool, error) {
	res, err := reserveScript.Run(ctx, c.client, []string{key}, delta, limit).Result()
	if err != nil {
		return 0, false, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("unexpected reserve script reply: %v", res)
	}
	admitted, ok1 := vals[0].(int64)
	value, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, false, fmt.Errorf("unexpected reserve script reply: %v", res)
	}

	return value, admitted == 1, nil
}

// IncrWindow increments a fixed-window counter in one round-trip. The window
// expiry is set only by the request that creates the key.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := windowScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected window script reply: %v", res)
	}
	count, ok1 := vals[0].(int64)
	pttl, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected window script reply: %v", res)
	}
	if pttl < 0 {
		pttl = 0
	}

	return count, time.Duration(pttl) * time.Millisecond, nil
}

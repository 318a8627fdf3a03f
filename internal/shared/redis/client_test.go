package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestClient_GetMissing(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := c.GetInt(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClient_IncrByNegative(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.IncrBy(ctx, "usage:u1:gpt-4o", 100)
	require.NoError(t, err)
	n, err := c.IncrBy(ctx, "usage:u1:gpt-4o", -40)
	require.NoError(t, err)
	assert.Equal(t, int64(60), n)

	got, err := c.GetInt(ctx, "usage:u1:gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, int64(60), got)
}

func TestClient_IncrWindow(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	count, ttl, err := c.IncrWindow(ctx, "ratelimit:u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(20 * time.Second)

	count, ttl, err = c.IncrWindow(ctx, "ratelimit:u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 40*time.Second, ttl, "expiry must not be refreshed by later requests")

	mr.FastForward(41 * time.Second)

	count, _, err = c.IncrWindow(ctx, "ratelimit:u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestClient_IncrWithin(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, ok, err := c.IncrWithin(ctx, "usage:u1:gpt-4o", 900, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(900), n)

	n, ok, err = c.IncrWithin(ctx, "usage:u1:gpt-4o", 101, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(900), n, "a denied reservation leaves the counter untouched")

	n, ok, err = c.IncrWithin(ctx, "usage:u1:gpt-4o", 100, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1000), n)
}

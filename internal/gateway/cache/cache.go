// Package cache keeps subscription quotas in Redis in front of the account store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jschibelli/ai-create-assistant/internal/shared/database"
	"github.com/jschibelli/ai-create-assistant/internal/shared/models"
	"github.com/jschibelli/ai-create-assistant/internal/shared/redis"
	"github.com/rs/zerolog"
)

// Store is the key/value surface the cache needs
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Subscriptions is the durable source of quotas
type Subscriptions interface {
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// entry is what gets serialized. Found=false caches the absence of a subscription.
type entry struct {
	Found      bool   `json:"found"`
	Plan       string `json:"plan,omitempty"`
	TokenLimit int64  `json:"token_limit"`
}

type QuotaCache struct {
	store  Store
	subs   Subscriptions
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a quota cache. Entries live for ttl.
func New(store Store, subs Subscriptions, ttl time.Duration, logger zerolog.Logger) *QuotaCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &QuotaCache{store: store, subs: subs, ttl: ttl, logger: logger}
}

func cacheKey(userID string) string {
	return "quota:" + userID
}

// Quota returns the user's token limit. found is false when the user has no subscription.
func (c *QuotaCache) Quota(ctx context.Context, userID string) (limit int64, found bool, err error) {
	key := cacheKey(userID)

	val, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		var e entry
		if jsonErr := json.Unmarshal([]byte(val), &e); jsonErr == nil {
			return e.TokenLimit, e.Found, nil
		}
		c.logger.Warn().Str("user_id", userID).Msg("discarding malformed quota cache entry")
	case !errors.Is(err, redis.ErrNotFound):
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("quota cache read failed")
	}

	sub, err := c.subs.GetSubscription(ctx, userID)
	var e entry
	switch {
	case errors.Is(err, database.ErrNotFound):
		e = entry{Found: false}
	case err != nil:
		return 0, false, fmt.Errorf("failed to load subscription: %w", err)
	default:
		e = entry{Found: true, Plan: sub.Plan, TokenLimit: sub.TokenLimit}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return 0, false, fmt.Errorf("failed to serialize quota: %w", err)
	}
	if err := c.store.Set(ctx, key, string(data), c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("quota cache write failed")
	}

	return e.TokenLimit, e.Found, nil
}


// Package ratelimit caps request frequency per user with a fixed-window
// counter in Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/jschibelli/ai-create-assistant/internal/shared/clock"
	"github.com/rs/zerolog"
)

// Counter increments a fixed-window counter, setting its expiry only when
// the key is created. It returns the new count and the time left in the window.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time left until the window resets, never negative.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Limiter admits at most limit requests per user per window.
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
	clock   clock.Clock
	logger  zerolog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter. Non-positive limit or window fall back to 100 per 60s.
func New(counter Counter, limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	l := &Limiter{
		counter: counter,
		limit:   limit,
		window:  window,
		clock:   clock.Real{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request for userID. If the counter store is unreachable
// the request is allowed.
func (l *Limiter) Allow(ctx context.Context, userID string) Result {
	now := l.clock.Now()

	count, ttl, err := l.counter.IncrWindow(ctx, key(userID), l.window)
	if err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limiter unavailable, allowing request")
		return Result{
			Allowed:   true,
			Limit:     l.limit,
			Remaining: l.limit,
			ResetAt:   now.Add(l.window),
		}
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
	}
}

func key(userID string) string {
	return "ratelimit:" + userID
}

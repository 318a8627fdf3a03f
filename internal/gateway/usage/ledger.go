// Package usage enforces per-user token quotas. A Redis counter per
// (user, model) is the real-time view; daily rows in Postgres are the
// durable history and are written in the background.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jschibelli/ai-create-assistant/internal/shared/clock"
	"github.com/rs/zerolog"
)

const durableWriteTimeout = 10 * time.Second

// Counters is the real-time counter store. IncrWithin must check and
// increment atomically.
type Counters interface {
	GetInt(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrWithin(ctx context.Context, key string, delta, limit int64) (int64, bool, error)
}

// QuotaSource reports a user's token ceiling. found is false when the user has no subscription.
type QuotaSource interface {
	Quota(ctx context.Context, userID string) (limit int64, found bool, err error)
}

// History is the durable per-day usage store
type History interface {
	AddUsage(ctx context.Context, userID, modelID string, date time.Time, tokens int64) error
}

// Ledger tracks token usage against quotas
type Ledger struct {
	counters Counters
	quotas   QuotaSource
	history  History
	clock    clock.Clock
	logger   zerolog.Logger

	wg sync.WaitGroup
}

type Option func(*Ledger)

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func NewLedger(counters Counters, quotas QuotaSource, history History, opts ...Option) *Ledger {
	l := &Ledger{
		counters: counters,
		quotas:   quotas,
		history:  history,
		clock:    clock.Real{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func counterKey(userID, modelID string) string {
	return "usage:" + userID + ":" + modelID
}

// EstimateTokens applies the four-characters-per-token heuristic
func EstimateTokens(text string) int64 {
	return int64(utf8.RuneCountInString(text) / 4)
}

// Track admits delta tokens for (userID, modelID) if the result stays within
// the user's quota. On admission the real-time counter is incremented and the
// durable record is updated in the background. Users without a subscription
// are always denied.
func (l *Ledger) Track(ctx context.Context, userID, modelID string, delta int64) (bool, error) {
	limit, found, err := l.quotas.Quota(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to read quota: %w", err)
	}
	if !found {
		l.logger.Info().Str("user_id", userID).Msg("no subscription, denying usage")
		return false, nil
	}

	_, ok, err := l.counters.IncrWithin(ctx, counterKey(userID, modelID), delta, limit)
	if err != nil {
		return false, fmt.Errorf("failed to update usage counter: %w", err)
	}
	if !ok {
		return false, nil
	}

	l.recordDurable(userID, modelID, delta)
	return true, nil
}

// Reconcile applies actual-estimate to the ledger in the background. The
// quota is not re-checked: the tokens were already spent.
func (l *Ledger) Reconcile(userID, modelID string, estimate, actual int64) {
	delta := actual - estimate
	if delta == 0 {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), durableWriteTimeout)
		defer cancel()

		if _, err := l.counters.IncrBy(ctx, counterKey(userID, modelID), delta); err != nil {
			l.logger.Error().Err(err).
				Str("user_id", userID).
				Str("model", modelID).
				Int64("delta", delta).
				Msg("usage reconciliation failed")
			return
		}
		l.writeHistory(ctx, userID, modelID, delta)
	}()
}

// Usage returns the real-time token count for (userID, modelID)
func (l *Ledger) Usage(ctx context.Context, userID, modelID string) (int64, error) {
	return l.counters.GetInt(ctx, counterKey(userID, modelID))
}

// Wait blocks until background writes finish
func (l *Ledger) Wait() {
	l.wg.Wait()
}

func (l *Ledger) recordDurable(userID, modelID string, delta int64) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), durableWriteTimeout)
		defer cancel()
		l.writeHistory(ctx, userID, modelID, delta)
	}()
}

func (l *Ledger) writeHistory(ctx context.Context, userID, modelID string, delta int64) {
	if err := l.history.AddUsage(ctx, userID, modelID, l.clock.Now().UTC(), delta); err != nil {
		l.logger.Error().Err(err).
			Str("user_id", userID).
			Str("model", modelID).
			Int64("delta", delta).
			Msg("durable usage write failed")
	}
}

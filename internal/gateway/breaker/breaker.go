// Package breaker isolates callers from a failing dependency. A Breaker
// counts failures of the calls it protects and, past a threshold, rejects
// calls outright until a cooldown has elapsed, then lets a single trial call
// decide whether the dependency has recovered.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
	"github.com/jschibelli/ai-create-assistant/internal/shared/clock"
	"github.com/rs/zerolog"
)

// State of a circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Timeout          time.Duration
}

// DefaultConfig returns {failureThreshold: 3, resetTimeout: 30s, timeout: 10s}.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		Timeout:          10 * time.Second,
	}
}

// StateChangeFunc observes transitions.
type StateChangeFunc func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithStateChange registers a transition observer. It is called with the
// breaker's lock held and must not call back into the breaker.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker protects one dependency. It is safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	clock    clock.Clock
	logger   zerolog.Logger
	onChange StateChangeFunc

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trial       bool   // a HALF_OPEN trial call is in flight
	generation  uint64 // bumped on every transition
}

// ticket identifies an admitted call. Results from an earlier generation
// are ignored.
type ticket struct {
	generation uint64
	trial      bool
}

// New creates a breaker in the CLOSED state. Zero config fields take the defaults.
func New(name string, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  clock.Real{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs fn under the breaker, bounded by the configured call timeout.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.ExecuteWithTimeout(ctx, b.cfg.Timeout, fn)
}

// ExecuteWithTimeout runs fn under the breaker, bounded by timeout. A timeout
// counts as a failure. If ctx itself is cancelled the outcome is not recorded.
func (b *Breaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	t, err := b.admit()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = apierr.Timeout("%s call exceeded %s", b.name, timeout)
		}
	}

	// The caller gave up; that says nothing about the dependency.
	if ctx.Err() != nil {
		b.release(t)
		return err
	}

	// An fn that honours callCtx may return the bare deadline error first.
	if errors.Is(err, context.DeadlineExceeded) {
		err = apierr.Timeout("%s call exceeded %s", b.name, timeout)
	}

	if err != nil {
		b.recordFailure(t)
		return err
	}

	b.recordSuccess(t)
	return nil
}

func (b *Breaker) admit() (ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.clock.Now().Sub(b.lastFailure) <= b.cfg.ResetTimeout {
			return ticket{}, apierr.CircuitOpen(b.name)
		}
		b.transition(HalfOpen)
		b.trial = true
		return ticket{generation: b.generation, trial: true}, nil
	case HalfOpen:
		if b.trial {
			return ticket{}, apierr.CircuitOpen(b.name)
		}
		b.trial = true
		return ticket{generation: b.generation, trial: true}, nil
	default:
		return ticket{generation: b.generation}, nil
	}
}

func (b *Breaker) recordFailure(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}

	b.failures++
	b.lastFailure = b.clock.Now()
	b.trial = false

	if b.failures >= b.cfg.FailureThreshold || b.state == HalfOpen {
		b.transition(Open)
	}
}

func (b *Breaker) recordSuccess(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}
	if t.trial && b.state == HalfOpen {
		b.failures = 0
		b.trial = false
		b.transition(Closed)
	}
}

// release gives back a trial slot without judging the dependency.
func (b *Breaker) release(t ticket) {
	if !t.trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.generation == b.generation {
		b.trial = false
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++

	b.logger.Info().
		Str("breaker", b.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", b.failures).
		Msg("circuit state changed")

	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Package events buffers completion outcomes and writes them to the
// database in batches, off the request path.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jschibelli/ai-create-assistant/internal/shared/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const flushTimeout = 10 * time.Second

// Sink persists a batch of completion logs
type Sink interface {
	LogCompletions(ctx context.Context, logs []*models.CompletionLog) error
}

// Config controls batching
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
}

type pending struct {
	log     *models.CompletionLog
	retried bool
}

// Recorder accepts events without blocking and flushes them when BatchSize
// are buffered or every FlushInterval. A batch that fails to write is
// retried once with the next flush.
type Recorder struct {
	sink    Sink
	cfg     Config
	logger  zerolog.Logger
	dropped prometheus.Counter

	events chan *models.CompletionLog
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type Option func(*Recorder)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithDropCounter counts events dropped because the buffer was full
func WithDropCounter(c prometheus.Counter) Option {
	return func(r *Recorder) { r.dropped = c }
}

func New(sink Sink, cfg Config, opts ...Option) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}

	r := &Recorder{
		sink:   sink,
		cfg:    cfg,
		logger: zerolog.Nop(),
		events: make(chan *models.CompletionLog, cfg.Buffer),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the flush loop in the background
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Record queues an event. It never blocks; when the buffer is full the event is dropped.
func (r *Recorder) Record(ev *models.CompletionLog) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	select {
	case r.events <- ev:
	default:
		r.logger.Warn().
			Str("user_id", ev.UserID).
			Str("model", ev.Model).
			Str("outcome", ev.Outcome).
			Msg("event buffer full, dropping completion event")
		if r.dropped != nil {
			r.dropped.Inc()
		}
	}
}

// Close stops the loop and flushes whatever is buffered
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var buf []pending
	for {
		select {
		case ev := <-r.events:
			buf = append(buf, pending{log: ev})
			if len(buf) >= r.cfg.BatchSize {
				buf = r.flush(buf)
			}
		case <-ticker.C:
			buf = r.flush(buf)
		case <-r.stop:
			for {
				select {
				case ev := <-r.events:
					buf = append(buf, pending{log: ev})
				default:
					if rest := r.flush(buf); len(rest) > 0 {
						r.flush(rest)
					}
					return
				}
			}
		}
	}
}

// flush writes buf and returns what must be kept for the next attempt
func (r *Recorder) flush(buf []pending) []pending {
	if len(buf) == 0 {
		return buf
	}

	logs := make([]*models.CompletionLog, len(buf))
	for i, p := range buf {
		logs[i] = p.log
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	err := r.sink.LogCompletions(ctx, logs)
	if err == nil {
		return buf[:0]
	}

	var keep []pending
	for _, p := range buf {
		if !p.retried {
			keep = append(keep, pending{log: p.log, retried: true})
		}
	}
	r.logger.Error().Err(err).
		Int("batch", len(buf)).
		Int("requeued", len(keep)).
		Msg("failed to write completion events")
	return keep
}

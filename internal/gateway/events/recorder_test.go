package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jschibelli/ai-create-assistant/internal/shared/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]*models.CompletionLog
	fail    int // number of calls that fail before succeeding
	calls   int
}

func (s *fakeSink) LogCompletions(_ context.Context, logs []*models.CompletionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail > 0 {
		s.fail--
		return errors.New("insert failed")
	}
	s.batches = append(s.batches, append([]*models.CompletionLog{}, logs...))
	return nil
}

func (s *fakeSink) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestRecorder_FlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, Config{BatchSize: 3, FlushInterval: time.Hour})
	r.Start()
	defer r.Close()

	for i := 0; i < 3; i++ {
		r.Record(&models.CompletionLog{UserID: "u", Outcome: "success"})
	}

	require.Eventually(t, func() bool { return sink.written() == 3 }, time.Second, 5*time.Millisecond)
}

func TestRecorder_FlushesOnInterval(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	r.Start()
	defer r.Close()

	r.Record(&models.CompletionLog{UserID: "u"})

	require.Eventually(t, func() bool { return sink.written() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecorder_CloseFlushesRemainder(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, Config{BatchSize: 100, FlushInterval: time.Hour})
	r.Start()

	ev := &models.CompletionLog{UserID: "u"}
	r.Record(ev)
	r.Record(&models.CompletionLog{UserID: "u"})
	r.Close()
	r.Close()

	assert.Equal(t, 2, sink.written())
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
}

func TestRecorder_RequeuesOnce(t *testing.T) {
	sink := &fakeSink{fail: 1}
	r := New(sink, Config{BatchSize: 100, FlushInterval: time.Hour})
	r.Start()

	r.Record(&models.CompletionLog{UserID: "u"})
	r.Close()

	assert.Equal(t, 2, sink.calls)
	assert.Equal(t, 1, sink.written())
}

func TestRecorder_DropsAfterSecondFailure(t *testing.T) {
	sink := &fakeSink{fail: 2}
	r := New(sink, Config{BatchSize: 100, FlushInterval: time.Hour})
	r.Start()

	r.Record(&models.CompletionLog{UserID: "u"})
	r.Close()

	assert.Equal(t, 2, sink.calls)
	assert.Zero(t, sink.written())
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "dropped"})
	r := New(&fakeSink{}, Config{Buffer: 2}, WithDropCounter(dropped))

	// not started: nothing drains the channel
	for i := 0; i < 5; i++ {
		r.Record(&models.CompletionLog{UserID: "u"})
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(dropped))
}

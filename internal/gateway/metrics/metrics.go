// Package metrics provides Prometheus metrics for the AI gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the gateway.
type Collector struct {
	// Completion metrics
	CompletionsTotal   *prometheus.CounterVec
	CompletionDuration *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec

	// Protection metrics
	BreakerState     *prometheus.GaugeVec
	RateLimitedTotal prometheus.Counter

	// Streaming metrics
	StreamSessionsActive prometheus.Gauge

	// Event recorder metrics
	EventsDroppedTotal prometheus.Counter
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		CompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aigateway",
				Name:      "completions_total",
				Help:      "Total number of completion requests by outcome",
			},
			[]string{"provider", "mode", "outcome"},
		),
		CompletionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aigateway",
				Name:      "completion_duration_seconds",
				Help:      "Completion latency in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "mode"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aigateway",
				Name:      "tokens_total",
				Help:      "Tokens debited per model, by accounting phase",
			},
			[]string{"model", "phase"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "aigateway",
				Name:      "breaker_state",
				Help:      "Circuit state per provider (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),
		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "aigateway",
				Name:      "rate_limited_total",
				Help:      "Total number of requests rejected by the rate limiter",
			},
		),
		StreamSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aigateway",
				Name:      "stream_sessions_active",
				Help:      "Number of streaming sessions in progress",
			},
		),
		EventsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "aigateway",
				Name:      "events_dropped_total",
				Help:      "Completion events dropped because the recorder buffer was full",
			},
		),
	}
}

// RecordCompletion counts one finished completion and its latency.
func (c *Collector) RecordCompletion(provider, mode, outcome string, seconds float64) {
	c.CompletionsTotal.WithLabelValues(provider, mode, outcome).Inc()
	c.CompletionDuration.WithLabelValues(provider, mode).Observe(seconds)
}

// AddTokens records tokens for a model. Negative reconcile deltas are
// ignored since counters only go up.
func (c *Collector) AddTokens(model, phase string, tokens int64) {
	if tokens <= 0 {
		return
	}
	c.TokensTotal.WithLabelValues(model, phase).Add(float64(tokens))
}

// SetBreakerState exports a provider's circuit state.
func (c *Collector) SetBreakerState(provider string, state int) {
	c.BreakerState.WithLabelValues(provider).Set(float64(state))
}

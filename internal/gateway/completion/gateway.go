// Package completion coordinates a completion request: routing, quota
// admission, the provider call under its circuit breaker, and usage
// reconciliation afterwards.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jschibelli/ai-create-assistant/internal/gateway/metrics"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/providers"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/stream"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/usage"
	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
	"github.com/jschibelli/ai-create-assistant/internal/shared/clock"
	"github.com/jschibelli/ai-create-assistant/internal/shared/models"
	"github.com/rs/zerolog"
)

// Messages shown to streaming consumers
const (
	MessageUsageLimitExceeded = "Usage limit exceeded. Please upgrade your subscription."
	MessageAIServiceError     = "Failed to generate content from AI service."
)

const (
	modeBatch  = "batch"
	modeStream = "stream"

	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
	outcomeRejected  = "rejected"
)

// Resolver finds the provider and breaker for a model
type Resolver interface {
	Resolve(model string) (*providers.Route, error)
}

// Ledger admits and reconciles token usage
type Ledger interface {
	Track(ctx context.Context, userID, modelID string, delta int64) (bool, error)
	Reconcile(userID, modelID string, estimate, actual int64)
}

// Recorder receives one event per completion
type Recorder interface {
	Record(ev *models.CompletionLog)
}

// Request is one completion call
type Request struct {
	UserID   string
	Model    string
	Prompt   string
	Options  providers.Options
	Position int
}

// Result of a batch completion
type Result struct {
	Text            string
	Provider        string
	EstimatedTokens int64
	ActualTokens    int64
}

type Gateway struct {
	resolver      Resolver
	ledger        Ledger
	recorder      Recorder
	metrics       *metrics.Collector
	streamTimeout time.Duration
	clock         clock.Clock
	logger        zerolog.Logger

	streams sync.WaitGroup
}

type Option func(*Gateway)

func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithStreamTimeout bounds a whole streaming call, replacing the breaker's per-call timeout
func WithStreamTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.streamTimeout = d }
}

func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func New(resolver Resolver, ledger Ledger, opts ...Option) *Gateway {
	g := &Gateway{
		resolver:      resolver,
		ledger:        ledger,
		streamTimeout: 120 * time.Second,
		clock:         clock.Real{},
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type admission struct {
	route    *providers.Route
	estimate int64
	started  time.Time
}

// admit runs every check that must pass before a provider is called
func (g *Gateway) admit(ctx context.Context, req Request) (*admission, error) {
	started := g.clock.Now()

	if req.Model == "" {
		return nil, apierr.Validation("model is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apierr.Validation("content is required")
	}
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}

	route, err := g.resolver.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	estimate := usage.EstimateTokens(req.Prompt)
	if estimate > int64(route.Model.ContextWindowTokens) {
		return nil, apierr.Validation("prompt of ~%d tokens exceeds the %d token context window of %s",
			estimate, route.Model.ContextWindowTokens, req.Model)
	}

	ok, err := g.ledger.Track(ctx, req.UserID, req.Model, estimate)
	if err != nil {
		return nil, fmt.Errorf("usage check failed: %w", err)
	}
	if !ok {
		g.record(req, route, modeBatchOrStream(req), outcomeRejected, estimate, 0, started, apierr.ErrQuotaExceeded)
		return nil, apierr.QuotaExceeded("token quota exceeded for %s", req.Model)
	}
	g.addTokens(req.Model, "estimate", estimate)

	return &admission{route: route, estimate: estimate, started: started}, nil
}

// Complete runs a batch completion
func (g *Gateway) Complete(ctx context.Context, req Request) (*Result, error) {
	adm, err := g.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	provider := adm.route.Provider
	var text string
	err = adm.route.Breaker.Execute(ctx, func(ctx context.Context) error {
		var genErr error
		text, genErr = provider.GenerateContent(ctx, req.Model, req.Prompt, req.Options)
		return genErr
	})
	if err != nil {
		g.logger.Error().Err(err).
			Str("user_id", req.UserID).
			Str("model", req.Model).
			Str("provider", provider.Name()).
			Msg("completion failed")
		g.record(req, adm.route, modeBatch, outcomeError, adm.estimate, adm.estimate, adm.started, err)
		return nil, err
	}

	actual := usage.EstimateTokens(text)
	g.reconcile(req, adm.estimate, actual)
	g.record(req, adm.route, modeBatch, outcomeSuccess, adm.estimate, actual, adm.started, nil)

	return &Result{
		Text:            text,
		Provider:        provider.Name(),
		EstimatedTokens: adm.estimate,
		ActualTokens:    actual,
	}, nil
}

// StartStream admits the request and starts streaming into transport. Admission
// errors are returned before any session exists. The session ends on
// provider completion, provider failure, or Cancel, whichever comes first.
func (g *Gateway) StartStream(ctx context.Context, req Request, transport stream.Transport) (*stream.Session, error) {
	req.Options.Stream = true
	adm, err := g.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	provider := adm.route.Provider
	streamCtx, cancel := context.WithCancel(ctx)
	session := stream.New(req.UserID, provider.Name(), req.Model, req.Position, transport, cancel)

	log := g.logger.With().
		Str("session_id", session.ID).
		Str("user_id", req.UserID).
		Str("model", req.Model).
		Str("provider", provider.Name()).
		Logger()
	log.Debug().Msg("stream started")

	if g.metrics != nil {
		g.metrics.StreamSessionsActive.Inc()
	}

	g.streams.Add(1)
	go func() {
		defer g.streams.Done()
		defer cancel()
		if g.metrics != nil {
			defer g.metrics.StreamSessionsActive.Dec()
		}

		err := adm.route.Breaker.ExecuteWithTimeout(streamCtx, g.streamTimeout, func(ctx context.Context) error {
			return provider.StreamContent(ctx, req.Model, req.Prompt, req.Options, func(token string) {
				session.Forward(token)
			})
		})

		outcome := outcomeCancelled
		switch {
		case err == nil:
			if session.Complete() {
				outcome = outcomeSuccess
			}
		case session.State() == stream.Active && !errors.Is(err, context.Canceled):
			log.Error().Err(err).Int("tokens", session.TokenCount()).Msg("stream failed")
			if session.Fail(stream.CodeAIServiceError, MessageAIServiceError) {
				outcome = outcomeError
			}
		}
		session.Cancel()

		// A failed stream keeps the estimate debited.
		actual := adm.estimate
		if outcome != outcomeError {
			actual = usage.EstimateTokens(session.Text())
			g.reconcile(req, adm.estimate, actual)
			err = nil
		}
		g.record(req, adm.route, modeStream, outcome, adm.estimate, actual, adm.started, err)
		log.Debug().Str("outcome", outcome).Int("tokens", session.TokenCount()).Msg("stream ended")
	}()

	return session, nil
}

// Wait blocks until every stream started by StartStream has finished its bookkeeping
func (g *Gateway) Wait() {
	g.streams.Wait()
}

func (g *Gateway) reconcile(req Request, estimate, actual int64) {
	g.ledger.Reconcile(req.UserID, req.Model, estimate, actual)
	g.addTokens(req.Model, "reconcile", actual-estimate)
}

func (g *Gateway) addTokens(model, phase string, n int64) {
	if g.metrics != nil {
		g.metrics.AddTokens(model, phase, n)
	}
}

func (g *Gateway) record(req Request, route *providers.Route, mode, outcome string, estimate, actual int64, started time.Time, err error) {
	latency := g.clock.Now().Sub(started)
	providerName := route.Provider.Name()

	if g.metrics != nil {
		g.metrics.RecordCompletion(providerName, mode, outcome, latency.Seconds())
	}
	if g.recorder == nil {
		return
	}

	ev := &models.CompletionLog{
		UserID:          req.UserID,
		Model:           req.Model,
		Provider:        providerName,
		Mode:            mode,
		Outcome:         outcome,
		EstimatedTokens: estimate,
		ActualTokens:    actual,
		CostUSD:         float64(actual) / 1000 * route.Model.CostPer1KTokens,
		LatencyMs:       int(latency.Milliseconds()),
	}
	if code := apierr.Code(err); code != "" {
		ev.ErrorCode = &code
	}
	g.recorder.Record(ev)
}

func modeBatchOrStream(req Request) string {
	if req.Options.Stream {
		return modeStream
	}
	return modeBatch
}

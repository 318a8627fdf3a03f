package completion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/breaker"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/metrics"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/providers"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/stream"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/usage"
	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
	"github.com/jschibelli/ai-create-assistant/internal/shared/models"
	"github.com/jschibelli/ai-create-assistant/internal/shared/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	text   string
	tokens []string
	err    error
	hang   bool // after sending tokens, wait for ctx to end
}

func (p *fakeProvider) Name() string { return "openai" }

func (p *fakeProvider) GenerateContent(ctx context.Context, model, prompt string, opts providers.Options) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.text, p.err
}

func (p *fakeProvider) StreamContent(ctx context.Context, model, prompt string, opts providers.Options, onToken providers.TokenFunc) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	for _, tok := range p.tokens {
		onToken(tok)
	}
	if p.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func (p *fakeProvider) ModelInfo(model string) (providers.ModelInfo, error) {
	if model == "gpt-tiny" {
		return providers.ModelInfo{Name: model, ContextWindowTokens: 10, CostPer1KTokens: 0.01}, nil
	}
	if strings.HasPrefix(model, "gpt-4o") {
		return providers.ModelInfo{Name: model, ContextWindowTokens: 128000, CostPer1KTokens: 0.01}, nil
	}
	return providers.ModelInfo{}, apierr.Configuration("unknown model %s", model)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type staticQuotas map[string]int64

func (q staticQuotas) Quota(_ context.Context, userID string) (int64, bool, error) {
	limit, ok := q[userID]
	return limit, ok, nil
}

type nopHistory struct{}

func (nopHistory) AddUsage(context.Context, string, string, time.Time, int64) error { return nil }

type spyLedger struct {
	tracked int
}

func (l *spyLedger) Track(context.Context, string, string, int64) (bool, error) {
	l.tracked++
	return true, nil
}

func (l *spyLedger) Reconcile(string, string, int64, int64) {}

type eventLog struct {
	mu     sync.Mutex
	events []*models.CompletionLog
}

func (e *eventLog) Record(ev *models.CompletionLog) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

type transport struct {
	mu     sync.Mutex
	tokens []string
	ends   int
	errs   []string
}

func (t *transport) SendToken(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, text)
	return nil
}

func (t *transport) SendEnd() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ends++
	return nil
}

func (t *transport) SendError(code, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, code)
	return nil
}

type fixture struct {
	gateway  *Gateway
	provider *fakeProvider
	ledger   *usage.Ledger
	breaker  *breaker.Breaker
	events   *eventLog
	metrics  *metrics.Collector
}

func newFixture(t *testing.T, quota int64) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	provider := &fakeProvider{}
	b := breaker.New("openai", breaker.Config{FailureThreshold: 3, ResetTimeout: time.Minute, Timeout: time.Second})
	mgr := providers.NewManager()
	mgr.Add(provider, b)

	ledger := usage.NewLedger(client, staticQuotas{"user-1": quota}, nopHistory{})
	events := &eventLog{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	g := New(mgr, ledger, WithRecorder(events), WithMetrics(m), WithStreamTimeout(time.Second))
	return &fixture{gateway: g, provider: provider, ledger: ledger, breaker: b, events: events, metrics: m}
}

func (f *fixture) usage(t *testing.T) int64 {
	t.Helper()
	f.gateway.Wait()
	f.ledger.Wait()
	n, err := f.ledger.Usage(context.Background(), "user-1", "gpt-4o")
	require.NoError(t, err)
	return n
}

func TestComplete_UnknownModelRejectedBeforeQuota(t *testing.T) {
	provider := &fakeProvider{}
	mgr := providers.NewManager()
	b := breaker.New("openai", breaker.Config{})
	mgr.Add(provider, b)
	ledger := &spyLedger{}

	g := New(mgr, ledger)
	_, err := g.Complete(context.Background(), Request{UserID: "user-1", Model: "unknown-model-x", Prompt: "hello"})

	assert.ErrorIs(t, err, apierr.ErrValidation)
	assert.Zero(t, ledger.tracked)
	assert.Zero(t, provider.callCount())
	assert.Equal(t, breaker.Closed, b.State())
}

func TestComplete_ValidatesInput(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	_, err := f.gateway.Complete(ctx, Request{UserID: "user-1", Prompt: "hi"})
	assert.ErrorIs(t, err, apierr.ErrValidation)

	_, err = f.gateway.Complete(ctx, Request{UserID: "user-1", Model: "gpt-4o", Prompt: "  "})
	assert.ErrorIs(t, err, apierr.ErrValidation)

	_, err = f.gateway.Complete(ctx, Request{UserID: "user-1", Model: "gpt-tiny", Prompt: strings.Repeat("x", 80)})
	assert.ErrorIs(t, err, apierr.ErrValidation, "prompt larger than the context window")

	_, err = f.gateway.Complete(ctx, Request{UserID: "user-1", Model: "gpt-99", Prompt: "hi"})
	assert.ErrorIs(t, err, apierr.ErrValidation, "model missing from the catalog")

	assert.Zero(t, f.provider.callCount())
}

func TestComplete_MalformedOptionsNeverReachBreaker(t *testing.T) {
	f := newFixture(t, 1000)
	f.provider.err = apierr.Provider(errors.New("upstream 400"), "openai rejected the request")
	ctx := context.Background()

	temp := float32(-5)
	maxTokens := -10
	for i := 0; i < 3; i++ {
		_, err := f.gateway.Complete(ctx, Request{
			UserID:  "user-1",
			Model:   "gpt-4o",
			Prompt:  "hello there",
			Options: providers.Options{Temperature: &temp, MaxTokens: &maxTokens},
		})
		assert.ErrorIs(t, err, apierr.ErrValidation)
	}

	assert.Zero(t, f.provider.callCount())
	assert.Equal(t, breaker.Closed, f.breaker.State())
	assert.Zero(t, f.usage(t), "rejected options must not debit usage")
}

func TestComplete_ReconcilesActualUsage(t *testing.T) {
	f := newFixture(t, 1000)
	f.provider.text = strings.Repeat("r", 2000)

	res, err := f.gateway.Complete(context.Background(), Request{
		UserID: "user-1",
		Model:  "gpt-4o",
		Prompt: strings.Repeat("p", 400),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100), res.EstimatedTokens)
	assert.Equal(t, int64(500), res.ActualTokens)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, int64(500), f.usage(t))

	require.Len(t, f.events.events, 1)
	ev := f.events.events[0]
	assert.Equal(t, "success", ev.Outcome)
	assert.Equal(t, "batch", ev.Mode)
	assert.InDelta(t, 0.005, ev.CostUSD, 1e-9)
	assert.Nil(t, ev.ErrorCode)
}

func TestComplete_QuotaExceededSkipsProvider(t *testing.T) {
	f := newFixture(t, 50)

	_, err := f.gateway.Complete(context.Background(), Request{
		UserID: "user-1",
		Model:  "gpt-4o",
		Prompt: strings.Repeat("p", 400),
	})

	assert.ErrorIs(t, err, apierr.ErrQuotaExceeded)
	assert.Zero(t, f.provider.callCount())
	assert.Zero(t, f.usage(t))

	require.Len(t, f.events.events, 1)
	assert.Equal(t, "rejected", f.events.events[0].Outcome)
	assert.Equal(t, "quota_exceeded", *f.events.events[0].ErrorCode)
}

func TestComplete_UnknownUserDenied(t *testing.T) {
	f := newFixture(t, 1000)

	_, err := f.gateway.Complete(context.Background(), Request{UserID: "stranger", Model: "gpt-4o", Prompt: "hello there"})
	assert.ErrorIs(t, err, apierr.ErrQuotaExceeded)
}

func TestComplete_ProviderFailureOpensCircuit(t *testing.T) {
	f := newFixture(t, 100000)
	f.provider.err = apierr.Provider(errors.New("503"), "OpenAI API error")
	ctx := context.Background()
	req := Request{UserID: "user-1", Model: "gpt-4o", Prompt: strings.Repeat("p", 40)}

	for i := 0; i < 3; i++ {
		_, err := f.gateway.Complete(ctx, req)
		assert.ErrorIs(t, err, apierr.ErrProvider)
	}
	assert.Equal(t, breaker.Open, f.breaker.State())

	_, err := f.gateway.Complete(ctx, req)
	assert.ErrorIs(t, err, apierr.ErrCircuitOpen)
	assert.Equal(t, 3, f.provider.callCount())

	// failed calls keep their estimate debited
	assert.Equal(t, int64(40), f.usage(t))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.CompletionsTotal.WithLabelValues("openai", "batch", "error")))
}

func TestStartStream_ForwardsTokensAndReconciles(t *testing.T) {
	f := newFixture(t, 1000)
	f.provider.tokens = []string{"abcd", "efgh", "ijkl", "mnop"}
	tr := &transport{}

	session, err := f.gateway.StartStream(context.Background(), Request{
		UserID: "user-1",
		Model:  "gpt-4o",
		Prompt: strings.Repeat("p", 40),
	}, tr)
	require.NoError(t, err)

	<-session.Done()
	assert.Equal(t, stream.Completed, session.State())
	assert.Equal(t, []string{"abcd", "efgh", "ijkl", "mnop"}, tr.tokens)
	assert.Equal(t, 1, tr.ends)
	assert.Empty(t, tr.errs)

	assert.Equal(t, int64(4), f.usage(t))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.StreamSessionsActive))
}

func TestStartStream_QuotaExceededBeforeSession(t *testing.T) {
	f := newFixture(t, 5)
	tr := &transport{}

	session, err := f.gateway.StartStream(context.Background(), Request{
		UserID: "user-1",
		Model:  "gpt-4o",
		Prompt: strings.Repeat("p", 400),
	}, tr)

	assert.Nil(t, session)
	assert.ErrorIs(t, err, apierr.ErrQuotaExceeded)
	assert.Zero(t, f.provider.callCount())
	assert.Empty(t, tr.tokens)
}

func TestStartStream_ProviderFailure(t *testing.T) {
	f := newFixture(t, 1000)
	f.provider.tokens = []string{"partial"}
	f.provider.err = apierr.Provider(errors.New("reset"), "stream interrupted")
	tr := &transport{}

	session, err := f.gateway.StartStream(context.Background(), Request{
		UserID: "user-1",
		Model:  "gpt-4o",
		Prompt: strings.Repeat("p", 40),
	}, tr)
	require.NoError(t, err)

	<-session.Done()
	assert.Equal(t, stream.Failed, session.State())
	assert.Equal(t, []string{"partial"}, tr.tokens)
	assert.Equal(t, []string{stream.CodeAIServiceError}, tr.errs)
	assert.Zero(t, tr.ends)

	assert.Equal(t, int64(10), f.usage(t), "estimate stays debited")
	assert.Equal(t, 1, f.breaker.Failures())
}

func TestStartStream_Cancel(t *testing.T) {
	f := newFixture(t, 1000)
	f.provider.tokens = []string{"12345678"}
	f.provider.hang = true
	tr := &transport{}

	session, err := f.gateway.StartStream(context.Background(), Request{
		UserID: "user-1",
		Model:  "gpt-4o",
		Prompt: strings.Repeat("p", 40),
	}, tr)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return session.TokenCount() == 1 }, time.Second, time.Millisecond)
	session.Cancel()
	session.Cancel()

	<-session.Done()
	assert.Equal(t, stream.Cancelled, session.State())
	assert.Equal(t, int64(2), f.usage(t), "usage reflects delivered text")
	assert.Zero(t, tr.ends)
	assert.Empty(t, tr.errs)
	assert.Equal(t, 0, f.breaker.Failures(), "cancellation is not a provider failure")

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	require.Len(t, f.events.events, 1)
	assert.Equal(t, "cancelled", f.events.events[0].Outcome)
}

func TestStartStream_TimeoutFails(t *testing.T) {
	f := newFixture(t, 1000)
	f.provider.hang = true
	f.gateway.streamTimeout = 20 * time.Millisecond
	tr := &transport{}

	session, err := f.gateway.StartStream(context.Background(), Request{
		UserID: "user-1",
		Model:  "gpt-4o",
		Prompt: "hello world!",
	}, tr)
	require.NoError(t, err)

	<-session.Done()
	f.gateway.Wait()
	assert.Equal(t, stream.Failed, session.State())
	assert.Equal(t, []string{stream.CodeAIServiceError}, tr.errs)
	assert.Equal(t, 1, f.breaker.Failures())
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jschibelli/ai-create-assistant/internal/gateway/breaker"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/cache"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/completion"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/events"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/handlers"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/metrics"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/providers"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/ratelimit"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/usage"
	"github.com/jschibelli/ai-create-assistant/internal/shared/config"
	"github.com/jschibelli/ai-create-assistant/internal/shared/database"
	"github.com/jschibelli/ai-create-assistant/internal/shared/logger"
	"github.com/jschibelli/ai-create-assistant/internal/shared/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	Long: `Start the gateway HTTP server.

Routes:
  POST /api/ai                         batch completion (options.stream=true for SSE)
  GET  /api/ai/usage                   quota and last 30 days of usage
  GET  /api/socketio/ai-completions    streaming completions over WebSocket
  GET  /health                         dependency and breaker status
  GET  /metrics                        Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply database migrations before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting AI gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if migrateOnStart {
		if err := database.Migrate(cfg.DatabaseURL, log); err != nil {
			return err
		}
	}

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()
	log.Info().Msg("connected to Redis")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewWithRegistry(registry)

	providerMgr := newProviderManager(cfg, m, log)
	log.Info().Int("providers", providerMgr.Len()).Msg("initialized LLM providers")

	quotas := cache.New(redisClient, db, cfg.QuotaCacheTTL, log)
	ledger := usage.NewLedger(redisClient, quotas, db, usage.WithLogger(log))
	limiter := ratelimit.New(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow, ratelimit.WithLogger(log))

	recorder := events.New(db, events.Config{
		BatchSize:     cfg.EventsBatchSize,
		FlushInterval: cfg.EventsFlushInterval,
		Buffer:        cfg.EventsBuffer,
	}, events.WithLogger(log), events.WithDropCounter(m.EventsDroppedTotal))
	recorder.Start()

	gateway := completion.New(providerMgr, ledger,
		completion.WithRecorder(recorder),
		completion.WithMetrics(m),
		completion.WithStreamTimeout(cfg.StreamTimeout),
		completion.WithLogger(log),
	)

	// Initialize handlers
	mw := handlers.NewMiddleware(cfg.AuthJWTSecret, cfg.AuthCookieName, limiter, m, log)
	socket := handlers.NewSocketHandler(gateway, mw, handlers.SocketDefaults{
		MaxTokens:   cfg.StreamMaxTokens,
		Temperature: cfg.StreamTemperature,
	}, cfg.CORSAllowedOrigins, log)
	router := handlers.NewRouter(handlers.RouterConfig{
		Middleware: mw,
		Completion: handlers.NewCompletionHandler(gateway, log),
		Usage:      handlers.NewUsageHandler(quotas, db, log),
		Socket:     socket,
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"database": db,
			"redis":    redisClient,
		}, providerMgr.Breakers),
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RequestTimeout: cfg.BreakerTimeout + 5*time.Second,
		Logger:         log,
	})

	// HTTP server. Writes must outlive the longest stream.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.StreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv.RegisterOnShutdown(socket.Close)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-serverErr:
		log.Error().Err(err).Msg("server failed")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	// Hijacked sockets first; each one can still start streams.
	socket.Close()
	gateway.Wait()
	ledger.Wait()
	recorder.Close()

	log.Info().Msg("server stopped")
	return nil
}

// newProviderManager registers a provider, each behind its own breaker, for every configured API key
func newProviderManager(cfg *config.Config, m *metrics.Collector, log zerolog.Logger) *providers.Manager {
	breakerCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		Timeout:          cfg.BreakerTimeout,
	}
	onChange := func(name string, from, to breaker.State) {
		m.SetBreakerState(name, int(to))
	}

	mgr := providers.NewManager()
	add := func(p providers.Provider) {
		b := breaker.New(p.Name(), breakerCfg, breaker.WithLogger(log), breaker.WithStateChange(onChange))
		m.SetBreakerState(p.Name(), int(breaker.Closed))
		mgr.Add(p, b)
	}

	if cfg.OpenAIAPIKey != "" {
		add(providers.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
	}
	if cfg.AnthropicAPIKey != "" {
		add(providers.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL))
	}

	return mgr
}

package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// RouterConfig collects the handlers served by the gateway
type RouterConfig struct {
	Middleware     *Middleware
	Completion     *CompletionHandler
	Usage          *UsageHandler
	Socket         *SocketHandler
	Health         *HealthHandler
	Metrics        http.Handler
	CORSOrigins    []string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// NewRouter builds the HTTP routes. The websocket route sits outside the
// access log and timeout middleware, which would break the upgrade.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORSMiddleware(cfg.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})
	r.MethodNotAllowed(methodNotAllowed)

	if cfg.Socket != nil {
		r.Handle("/api/socketio/ai-completions", cfg.Socket)
	}

	r.Group(func(r chi.Router) {
		r.Use(hlog.NewHandler(cfg.Logger))
		r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}))

		if cfg.Health != nil {
			r.Get("/health", cfg.Health.HandleHealth)
		}
		if cfg.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", cfg.Metrics)
		}

		// Authentication runs before method dispatch so that an anonymous
		// GET gets 401, not 405.
		r.Route("/api/ai", func(r chi.Router) {
			r.Use(cfg.Middleware.AuthMiddleware)
			r.Use(cfg.Middleware.RateLimitMiddleware)
			r.MethodNotAllowed(methodNotAllowed)

			r.Post("/", cfg.Completion.HandleCompletion)
			if cfg.Usage != nil {
				timeout := cfg.RequestTimeout
				if timeout <= 0 {
					timeout = 30 * time.Second
				}
				r.With(chimiddleware.Timeout(timeout)).Get("/usage", cfg.Usage.HandleUsage)
			}
		})
	})

	return r
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
}

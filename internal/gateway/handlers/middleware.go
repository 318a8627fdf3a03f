package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/metrics"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/ratelimit"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type contextKey string

const userIDKey contextKey = "user_id"

var errNoIdentity = errors.New("no session identity")

type Middleware struct {
	jwtSecret  []byte
	cookieName string
	limiter    *ratelimit.Limiter
	metrics    *metrics.Collector
	logger     zerolog.Logger
}

func NewMiddleware(jwtSecret, cookieName string, limiter *ratelimit.Limiter, m *metrics.Collector, logger zerolog.Logger) *Middleware {
	return &Middleware{
		jwtSecret:  []byte(jwtSecret),
		cookieName: cookieName,
		limiter:    limiter,
		metrics:    m,
		logger:     logger,
	}
}

// UserID returns the authenticated user stored by AuthMiddleware
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// Identify resolves the session token carried by a request to a user ID.
// The token comes from a Bearer Authorization header or the session cookie
// and must be an HS256 JWT whose subject is the user ID.
func (m *Middleware) Identify(r *http.Request) (string, error) {
	raw := ""
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", errors.New("invalid authorization header format")
		}
		raw = strings.TrimSpace(parts[1])
	} else if cookie, err := r.Cookie(m.cookieName); err == nil {
		raw = cookie.Value
	}
	if raw == "" {
		return "", errNoIdentity
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("session token has no subject")
	}

	return claims.Subject, nil
}

// AuthMiddleware rejects requests without a valid session identity
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := m.Identify(r)
		if err != nil {
			m.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("unauthenticated request")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitMiddleware enforces the per-user request window
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		res := m.limiter.Allow(r.Context(), userID)
		resetSeconds := int(math.Ceil(res.RetryAfter(time.Now()).Seconds()))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSeconds))

		if !res.Allowed {
			if m.metrics != nil {
				m.metrics.RateLimitedTotal.Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(resetSeconds))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:   "Too Many Requests",
				Message: fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", resetSeconds),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware allows the editor origins to call the API with credentials
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
	}).Handler
}

type errorBody struct {
	Error        string `json:"error"`
	Message      string `json:"message,omitempty"`
	Subscription string `json:"subscription,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

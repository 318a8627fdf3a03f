package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Provider API Keys
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string

	// Identity
	AuthJWTSecret  string
	AuthCookieName string

	CORSAllowedOrigins []string

	// Rate Limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerTimeout          time.Duration

	// Streaming
	StreamTimeout     time.Duration
	StreamMaxTokens   int
	StreamTemperature float32

	// Quota cache
	QuotaCacheTTL time.Duration

	// Usage events
	EventsBatchSize     int
	EventsFlushInterval time.Duration
	EventsBuffer        int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		Env:                     getEnv("ENV", "development"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379"),
		OpenAIAPIKey:            getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:           getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:         getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:        getEnv("ANTHROPIC_BASE_URL", ""),
		AuthJWTSecret:           getEnv("AUTH_JWT_SECRET", ""),
		AuthCookieName:          getEnv("AUTH_COOKIE_NAME", "next-auth.session-token"),
		CORSAllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		RateLimitRequests:       getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:         getEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 3),
		BreakerResetTimeout:     getEnvSeconds("BREAKER_RESET_TIMEOUT_SECONDS", 30),
		BreakerTimeout:          getEnvSeconds("BREAKER_TIMEOUT_SECONDS", 10),
		StreamTimeout:           getEnvSeconds("STREAM_TIMEOUT_SECONDS", 120),
		StreamMaxTokens:         getEnvInt("STREAM_MAX_TOKENS", 500),
		StreamTemperature:       getEnvFloat32("STREAM_TEMPERATURE", 0.7),
		QuotaCacheTTL:           getEnvSeconds("QUOTA_CACHE_TTL_SECONDS", 60),
		EventsBatchSize:         getEnvInt("EVENTS_BATCH_SIZE", 10),
		EventsFlushInterval:     getEnvSeconds("EVENTS_FLUSH_INTERVAL_SECONDS", 30),
		EventsBuffer:            getEnvInt("EVENTS_BUFFER", 1000),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.AuthJWTSecret == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	// At least one provider API key is required
	if cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("at least one provider API key is required (OPENAI_API_KEY or ANTHROPIC_API_KEY)")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(f)
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package providers

import (
	"context"

	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
)

// ModelInfo is static metadata about one model version
type ModelInfo struct {
	Name                string  `json:"name"`
	ContextWindowTokens int     `json:"context_window_tokens"`
	CostPer1KTokens     float64 `json:"cost_per_1k_tokens"`
}

// Options are the generation settings a caller may override
type Options struct {
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// Accepted sampling temperature range, shared by both upstream APIs
const (
	MinTemperature = 0
	MaxTemperature = 2
)

// Validate rejects settings no provider would accept, so they never reach
// an upstream call and its breaker.
func (o Options) Validate() error {
	if o.Temperature != nil && (*o.Temperature < MinTemperature || *o.Temperature > MaxTemperature) {
		return apierr.Validation("temperature must be between %d and %d", MinTemperature, MaxTemperature)
	}
	if o.MaxTokens != nil && *o.MaxTokens <= 0 {
		return apierr.Validation("maxTokens must be positive")
	}
	return nil
}

// TokenFunc receives incrementally produced text fragments in arrival order
type TokenFunc func(token string)

// Provider is the interface all LLM providers must implement
type Provider interface {
	// Name returns the provider identifier, e.g. "openai".
	Name() string

	// GenerateContent returns the full completion for prompt.
	GenerateContent(ctx context.Context, model, prompt string, opts Options) (string, error)

	// StreamContent calls onToken once per fragment and returns after the
	// upstream signals completion. Fragments already delivered are not
	// rolled back when the stream fails midway.
	StreamContent(ctx context.Context, model, prompt string, opts Options, onToken TokenFunc) error

	// ModelInfo looks up static metadata for a model this provider serves.
	ModelInfo(model string) (ModelInfo, error)
}

package providers

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
)

// Messages API requires max_tokens on every request.
const anthropicDefaultMaxTokens = 4096

var anthropicModels = catalog{
	"claude-3-opus-20240229":     {ContextWindowTokens: 200000, CostPer1KTokens: 0.015},
	"claude-3-sonnet-20240229":   {ContextWindowTokens: 180000, CostPer1KTokens: 0.003},
	"claude-3-haiku-20240307":    {ContextWindowTokens: 180000, CostPer1KTokens: 0.00025},
	"claude-opus-4-5-20251101":   {ContextWindowTokens: 200000, CostPer1KTokens: 0.005},
	"claude-sonnet-4-5-20250929": {ContextWindowTokens: 200000, CostPer1KTokens: 0.003},
	"claude-haiku-4-5-20251001":  {ContextWindowTokens: 200000, CostPer1KTokens: 0.001},
}

// AnthropicProvider handles Anthropic Claude API requests
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider. SDK retries are
// disabled; the circuit breaker owns failure accounting.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// GenerateContent makes a messages request to Anthropic
func (p *AnthropicProvider) GenerateContent(ctx context.Context, model, prompt string, opts Options) (string, error) {
	if err := requirePrompt(prompt); err != nil {
		return "", err
	}

	msg, err := p.client.Messages.New(ctx, p.buildParams(model, prompt, opts))
	if err != nil {
		return "", apierr.Provider(err, "Anthropic API error")
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return content.String(), nil
}

// StreamContent makes a streaming messages request
func (p *AnthropicProvider) StreamContent(ctx context.Context, model, prompt string, opts Options, onToken TokenFunc) error {
	if err := requirePrompt(prompt); err != nil {
		return err
	}

	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(model, prompt, opts))
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				onToken(delta.Text)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return apierr.Provider(err, "Anthropic stream interrupted")
	}
	return nil
}

// ModelInfo returns static metadata for a Claude model
func (p *AnthropicProvider) ModelInfo(model string) (ModelInfo, error) {
	return anthropicModels.lookup(p.Name(), model)
}

func (p *AnthropicProvider) buildParams(model, prompt string, opts Options) anthropic.MessageNewParams {
	maxTokens := anthropicDefaultMaxTokens
	if opts.MaxTokens != nil && *opts.MaxTokens > 0 {
		maxTokens = *opts.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*opts.Temperature))
	}

	return params
}

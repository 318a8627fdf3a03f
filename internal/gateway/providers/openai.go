package providers

import (
	"context"
	"errors"
	"io"

	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
	"github.com/sashabaranov/go-openai"
)

var openAIModels = catalog{
	"gpt-4o":      {ContextWindowTokens: 128000, CostPer1KTokens: 0.01},
	"gpt-4o-mini": {ContextWindowTokens: 128000, CostPer1KTokens: 0.00015},
	"gpt-4-turbo": {ContextWindowTokens: 128000, CostPer1KTokens: 0.01},
	"gpt-4":       {ContextWindowTokens: 8192, CostPer1KTokens: 0.03},
}

// OpenAIProvider handles OpenAI API requests
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider. An empty baseURL uses the public API.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// GenerateContent makes a chat completion request to OpenAI
func (p *OpenAIProvider) GenerateContent(ctx context.Context, model, prompt string, opts Options) (string, error) {
	if err := requirePrompt(prompt); err != nil {
		return "", err
	}

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(model, prompt, opts, false))
	if err != nil {
		return "", apierr.Provider(err, "OpenAI API error")
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamContent creates a streaming chat completion request
func (p *OpenAIProvider) StreamContent(ctx context.Context, model, prompt string, opts Options, onToken TokenFunc) error {
	if err := requirePrompt(prompt); err != nil {
		return err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(model, prompt, opts, true))
	if err != nil {
		return apierr.Provider(err, "OpenAI streaming API error")
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return apierr.Provider(err, "OpenAI stream interrupted")
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onToken(chunk.Choices[0].Delta.Content)
		}
	}
}

// ModelInfo returns static metadata for an OpenAI model
func (p *OpenAIProvider) ModelInfo(model string) (ModelInfo, error) {
	return openAIModels.lookup(p.Name(), model)
}

func (p *OpenAIProvider) buildRequest(model, prompt string, opts Options, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream: stream,
	}

	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}

	return req
}

package ai

import (
	"context"
	"fmt"
)

const defaultEmbeddingBatch = 10

// EmbeddingProvider adapts the HTTP client to a fixed embedding model.
type EmbeddingProvider struct {
	client    *OpenAICompatibleClient
	cfg       EmbeddingConfig
	batchSize int
}

// NewEmbeddingProvider sends at most batchSize texts per request.
func NewEmbeddingProvider(client *OpenAICompatibleClient, cfg EmbeddingConfig, batchSize int) *EmbeddingProvider {
	if batchSize <= 0 {
		batchSize = defaultEmbeddingBatch
	}
	return &EmbeddingProvider{client: client, cfg: cfg, batchSize: batchSize}
}

func (p *EmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.client.Embed(ctx, p.cfg, text)
}

func (p *EmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.client.EmbedBatch(ctx, p.cfg, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// GenerateRequest is a single-turn generation call.
type GenerateRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type GenerateResult struct {
	Text      string
	Truncated bool
}

// ChatProvider adapts the HTTP client to a fixed chat model.
type ChatProvider struct {
	client *OpenAICompatibleClient
	cfg    ChatConfig
}

func NewChatProvider(client *OpenAICompatibleClient, cfg ChatConfig) *ChatProvider {
	return &ChatProvider{client: client, cfg: cfg}
}

// Generate fills unset request limits from the provider config.
func (p *ChatProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	cfg := p.cfg
	if req.MaxTokens > 0 {
		cfg.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		cfg.Temperature = req.Temperature
	}

	messages := make([]ChatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})

	completion, err := p.client.Complete(ctx, cfg, messages)
	if err != nil {
		return nil, err
	}
	if completion.Text == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrGenerationUnavailable)
	}
	return &GenerateResult{Text: completion.Text, Truncated: completion.Truncated()}, nil
}

package embed

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider calls the OpenAI embeddings API through the go-openai SDK.
// Any endpoint speaking the same protocol works when Endpoint is set.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds an SDK client from config. Endpoint may be the
// full embeddings URL or the API base URL.
func NewOpenAIProvider(config *ProviderConfig) (*OpenAIProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("API key is required for supplier %q (set via environment variable)", config.Supplier)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if base := strings.TrimSuffix(config.Endpoint, "/embeddings"); base != "" {
		clientConfig.BaseURL = base
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		model:  config.Model,
	}, nil
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}
	if model == "" {
		model = p.model
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}

	out := make([]float32, len(resp.Data[0].Embedding))
	copy(out, resp.Data[0].Embedding)
	return out, nil
}

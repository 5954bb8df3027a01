// Package embed turns chunk text into fixed-dimension vectors.
//
// Suppliers are reached through the Provider interface:
// - ollama: http://localhost:11434/v1/embeddings
// - openai: https://api.openai.com/v1/embeddings (go-openai SDK)
// - openrouter: https://openrouter.ai/api/v1/embeddings
// - deepseek: https://api.deepseek.com/v1/embeddings
// - custom: user-specified endpoint
//
// HTTP suppliers share the OpenAI-compatible /v1/embeddings format. Results
// are memoized by Cache and padded to a fixed width by Embedder.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provider maps text to a vector using the given model.
type Provider interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// ProviderConfig holds embedding supplier configuration.
type ProviderConfig struct {
	Supplier    string // "ollama", "openai", "deepseek", "openrouter", "custom"
	Model       string
	Endpoint    string // full API URL
	APIKey      string
	MaxRetries  int // default: 3
	TimeoutSecs int // per-request timeout (default: 60)
}

// Request is an OpenAI-compatible embeddings request.
type Request struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Response is an OpenAI-compatible embeddings response.
type Response struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// ParseSupplierFlag parses "supplier/model". Model names may contain slashes
// and colons, e.g. "openrouter/sentence-transformers/all-MiniLM-L6-v2".
func ParseSupplierFlag(flag string) (*ProviderConfig, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}

	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return nil, fmt.Errorf("invalid embedding format: expected 'supplier/model', got %q", flag)
	}

	supplier := flag[:slashIdx]
	model := flag[slashIdx+1:]
	if supplier == "" {
		return nil, fmt.Errorf("empty supplier in embedding flag: %q", flag)
	}
	if model == "" {
		return nil, fmt.Errorf("empty model in embedding flag: %q", flag)
	}
	return NewProviderConfig(supplier, model)
}

// NewProviderConfig fills supplier defaults for the endpoint and API key.
// KBRAG_EMBED_ENDPOINT and KBRAG_EMBED_API_KEY override them.
func NewProviderConfig(supplier, model string) (*ProviderConfig, error) {
	config := &ProviderConfig{
		Supplier:    supplier,
		Model:       model,
		MaxRetries:  3,
		TimeoutSecs: 60,
	}

	switch supplier {
	case "ollama":
		config.Endpoint = "http://localhost:11434/v1/embeddings"
	case "openai":
		config.Endpoint = "https://api.openai.com/v1/embeddings"
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	case "deepseek":
		config.Endpoint = "https://api.deepseek.com/v1/embeddings"
		config.APIKey = os.Getenv("DEEPSEEK_API_KEY")
	case "openrouter":
		config.Endpoint = "https://openrouter.ai/api/v1/embeddings"
		config.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "custom":
		config.Endpoint = os.Getenv("KBRAG_EMBED_ENDPOINT")
		config.APIKey = os.Getenv("KBRAG_EMBED_API_KEY")
	default:
		return nil, fmt.Errorf("unknown supplier %q. Supported: ollama, openai, deepseek, openrouter, custom", supplier)
	}

	if endpoint := os.Getenv("KBRAG_EMBED_ENDPOINT"); endpoint != "" {
		config.Endpoint = endpoint
	}
	if apiKey := os.Getenv("KBRAG_EMBED_API_KEY"); apiKey != "" {
		config.APIKey = apiKey
	}
	return config, nil
}

// Validate checks that the configuration is complete.
func (c *ProviderConfig) Validate() error {
	if c.Supplier == "" {
		return fmt.Errorf("supplier is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Supplier != "ollama" && c.Supplier != "test" && c.APIKey == "" {
		return fmt.Errorf("API key is required for supplier %q (set via environment variable)", c.Supplier)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// NewProvider returns the Provider for the configured supplier. OpenAI goes
// through the SDK; everything else uses the generic HTTP client.
func NewProvider(config *ProviderConfig) (Provider, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Supplier == "openai" {
		return NewOpenAIProvider(config)
	}
	return NewClient(config)
}

// Client is a Provider speaking the OpenAI-compatible HTTP API directly.
type Client struct {
	config ProviderConfig
	http   *http.Client
}

// NewClient creates an HTTP embedding client.
func NewClient(config *ProviderConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: *config,
		http: &http.Client{
			Timeout: time.Duration(config.TimeoutSecs) * time.Second,
		},
	}, nil
}

// Embed requests a single embedding, retrying with exponential backoff.
// An empty model falls back to the configured one.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}
	if model == "" {
		model = c.config.Model
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		vec, err := c.attempt(ctx, model, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if attempt == c.config.MaxRetries || !retryable(err) {
			break
		}

		// 1s, 2s, 4s
		backoff := time.Duration(1<<attempt) * time.Second
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0 {
			backoff = httpErr.RetryAfter
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// retryable reports whether another attempt could succeed. Client errors
// other than rate limiting are final.
func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) attempt(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(Request{Model: model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.Supplier == "openrouter" {
		httpReq.Header.Set("HTTP-Referer", "https://github.com/hurttlocker/kbrag")
		httpReq.Header.Set("X-Title", "kbrag")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(payload),
			RetryAfter: retryAfter,
		}
	}

	var parsed Response
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if len(parsed.Data) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(parsed.Data))
	}
	return parsed.Data[0].Embedding, nil
}

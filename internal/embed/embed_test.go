package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSupplierFlag(t *testing.T) {
	tests := []struct {
		name         string
		flag         string
		wantSupplier string
		wantModel    string
		wantEndpoint string
		wantErr      bool
	}{
		{
			name:         "ollama simple",
			flag:         "ollama/bge-m3",
			wantSupplier: "ollama",
			wantModel:    "bge-m3",
			wantEndpoint: "http://localhost:11434/v1/embeddings",
		},
		{
			name:         "openai simple",
			flag:         "openai/text-embedding-3-small",
			wantSupplier: "openai",
			wantModel:    "text-embedding-3-small",
			wantEndpoint: "https://api.openai.com/v1/embeddings",
		},
		{
			name:         "openrouter complex model",
			flag:         "openrouter/sentence-transformers/all-MiniLM-L6-v2",
			wantSupplier: "openrouter",
			wantModel:    "sentence-transformers/all-MiniLM-L6-v2",
			wantEndpoint: "https://openrouter.ai/api/v1/embeddings",
		},
		{name: "empty flag", flag: "", wantErr: true},
		{name: "no slash", flag: "ollama", wantErr: true},
		{name: "empty supplier", flag: "/model", wantErr: true},
		{name: "empty model", flag: "ollama/", wantErr: true},
		{name: "unknown supplier", flag: "unknown/model", wantErr: true},
	}

	t.Setenv("KBRAG_EMBED_ENDPOINT", "")
	t.Setenv("KBRAG_EMBED_API_KEY", "")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSupplierFlag(tt.flag)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSupplier, got.Supplier)
			assert.Equal(t, tt.wantModel, got.Model)
			assert.Equal(t, tt.wantEndpoint, got.Endpoint)
			assert.Equal(t, 3, got.MaxRetries)
			assert.Equal(t, 60, got.TimeoutSecs)
		})
	}
}

func TestNewProviderConfig_EnvOverride(t *testing.T) {
	t.Setenv("KBRAG_EMBED_ENDPOINT", "http://embed.internal/v1/embeddings")
	t.Setenv("KBRAG_EMBED_API_KEY", "sk-test")

	cfg, err := NewProviderConfig("ollama", "bge-m3")
	require.NoError(t, err)
	assert.Equal(t, "http://embed.internal/v1/embeddings", cfg.Endpoint)
	assert.Equal(t, "sk-test", cfg.APIKey)
}

func TestProviderConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		config ProviderConfig
		valid  bool
	}{
		{
			name:   "valid ollama",
			config: ProviderConfig{Supplier: "ollama", Model: "m", Endpoint: "http://x", TimeoutSecs: 5},
			valid:  true,
		},
		{
			name:   "openai without key",
			config: ProviderConfig{Supplier: "openai", Model: "m", Endpoint: "http://x", TimeoutSecs: 5},
		},
		{
			name:   "missing endpoint",
			config: ProviderConfig{Supplier: "ollama", Model: "m", TimeoutSecs: 5},
		},
		{
			name:   "negative retries",
			config: ProviderConfig{Supplier: "ollama", Model: "m", Endpoint: "http://x", MaxRetries: -1, TimeoutSecs: 5},
		},
		{
			name:   "zero timeout",
			config: ProviderConfig{Supplier: "ollama", Model: "m", Endpoint: "http://x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// embeddingServer answers every request with a vector of the given width and
// counts the calls.
func embeddingServer(t *testing.T, width int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		vec := make([]float32, width)
		for i := range vec {
			vec[i] = float32(len(req.Input[0])+i) / 100
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec, "index": 0}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, endpoint string, retries int) *Client {
	t.Helper()
	c, err := NewClient(&ProviderConfig{
		Supplier:    "test",
		Model:       "test-model",
		Endpoint:    endpoint,
		MaxRetries:  retries,
		TimeoutSecs: 5,
	})
	require.NoError(t, err)
	return c
}

func TestClient_Embed(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, 8, &calls)
	client := testClient(t, srv.URL, 0)

	vec, err := client.Embed(context.Background(), "", "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 8)

	_, err = client.Embed(context.Background(), "", "   ")
	assert.Error(t, err, "blank text")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1, 2}, "index": 0}},
		})
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, 1)
	vec, err := client.Embed(context.Background(), "", "retry me")
	require.NoError(t, err)
	assert.Len(t, vec, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("model not found"))
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, 3)
	_, err := client.Embed(context.Background(), "missing", "text")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_InvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, 0)
	_, err := client.Embed(context.Background(), "", "text")
	assert.Error(t, err)
}

func TestOpenAIProvider(t *testing.T) {
	var gotModel, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.25,0.5]}],"model":"m"}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(&ProviderConfig{
		Supplier: "openai",
		Model:    "text-embedding-3-small",
		Endpoint: srv.URL + "/v1/embeddings",
		APIKey:   "sk-test",
	})
	require.NoError(t, err)

	vec, err := p.Embed(context.Background(), "", "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5}, vec)
	assert.Equal(t, "/v1/embeddings", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "text-embedding-3-small", gotModel)
}

func TestNewProvider_Dispatch(t *testing.T) {
	p, err := NewProvider(&ProviderConfig{Supplier: "openai", Model: "m", Endpoint: "http://x/v1/embeddings", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, p)

	p, err = NewProvider(&ProviderConfig{Supplier: "ollama", Model: "m", Endpoint: "http://x", TimeoutSecs: 1})
	require.NoError(t, err)
	assert.IsType(t, &Client{}, p)
}

package embed

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ProviderFunc builds the provider for a supplier and model.
type ProviderFunc func(supplier, model string) (Provider, error)

// DefaultProviderFunc resolves supplier defaults from the environment.
func DefaultProviderFunc(supplier, model string) (Provider, error) {
	cfg, err := NewProviderConfig(supplier, model)
	if err != nil {
		return nil, err
	}
	return NewProvider(cfg)
}

// Registry hands out one Embedder per supplier/model pair. All of them share
// the same cache and output width.
type Registry struct {
	dims        int
	cache       *Cache
	logger      *zap.Logger
	newProvider ProviderFunc

	mu    sync.Mutex
	byKey map[string]*Embedder
}

// NewRegistry creates a registry. A nil newProvider uses DefaultProviderFunc.
func NewRegistry(dims int, cache *Cache, newProvider ProviderFunc, logger *zap.Logger) *Registry {
	if newProvider == nil {
		newProvider = DefaultProviderFunc
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dims:        dims,
		cache:       cache,
		logger:      logger,
		newProvider: newProvider,
		byKey:       make(map[string]*Embedder),
	}
}

// For returns the embedder for supplier/model, creating it on first use.
func (r *Registry) For(supplier, model string) (*Embedder, error) {
	if supplier == "" || model == "" {
		return nil, &EmbeddingError{Supplier: supplier, Model: model, Reason: "embedding model not configured"}
	}
	key := supplier + "/" + model

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byKey[key]; ok {
		return e, nil
	}
	p, err := r.newProvider(supplier, model)
	if err != nil {
		return nil, &EmbeddingError{Supplier: supplier, Model: model, Reason: "embedding model not found", Err: fmt.Errorf("creating provider: %w", err)}
	}
	e := &Embedder{
		Supplier: supplier,
		Model:    model,
		Dims:     r.dims,
		Provider: p,
		Cache:    r.cache,
		Logger:   r.logger,
	}
	r.byKey[key] = e
	return e, nil
}

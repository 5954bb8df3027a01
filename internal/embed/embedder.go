package embed

import (
	"context"

	"go.uber.org/zap"
)

// DefaultDimensions is the stored vector width.
const DefaultDimensions = 1024

// Embedder produces cached vectors of exactly Dims components for one
// supplier and model.
type Embedder struct {
	Supplier string
	Model    string
	Dims     int
	Provider Provider
	Cache    *Cache // optional
	Logger   *zap.Logger
}

func (e *Embedder) dims() int {
	if e.Dims <= 0 {
		return DefaultDimensions
	}
	return e.Dims
}

func (e *Embedder) fail(reason string, err error) error {
	return &EmbeddingError{Supplier: e.Supplier, Model: e.Model, Reason: reason, Err: err}
}

// Embed returns the vector for text. Short provider vectors are zero-padded;
// empty or oversized ones fail with *EmbeddingError.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.Cache != nil {
		if vec, ok := e.Cache.Get(e.Supplier, e.Model, text); ok && len(vec) == e.dims() {
			return vec, nil
		}
	}
	if e.Provider == nil {
		return nil, e.fail("no provider configured", nil)
	}

	raw, err := e.Provider.Embed(ctx, e.Model, text)
	if err != nil {
		return nil, e.fail("provider call failed", err)
	}
	if len(raw) == 0 {
		return nil, e.fail("provider returned an empty vector", nil)
	}
	d := e.dims()
	if len(raw) > d {
		return nil, e.fail("provider vector wider than configured dimensions", nil)
	}

	vec := make([]float32, d)
	copy(vec, raw)

	if e.Cache != nil {
		if err := e.Cache.Put(e.Supplier, e.Model, text, vec); err != nil && e.Logger != nil {
			e.Logger.Warn("embedding cache write failed", zap.Error(err))
		}
	}
	return vec, nil
}

// EmbedBatch embeds texts in order and stops at the first failure.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Dimensions returns the output width.
func (e *Embedder) Dimensions() int { return e.dims() }

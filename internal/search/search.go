// Package search provides hybrid retrieval over a knowledge base.
//
// Two signals, searched concurrently:
// - vector similarity against the chunk table (exact or HNSW)
// - keyword substring matching scored by coverage, frequency and position
//
// Their scores are blended with the knowledge base's weights into one ranked
// list. Documents well covered by the retrieved chunks are returned whole.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/kbrag/internal/chunk"
	"github.com/hurttlocker/kbrag/internal/store"
	"github.com/hurttlocker/kbrag/internal/textutil"
)

const (
	// flatDistanceCutoff drops flat-mode hits whose raw distance exceeds it.
	// Approximate mode uses the knowledge base's recall_accuracy instead;
	// the two floors are not on the same scale.
	flatDistanceCutoff = 600.0

	minVectorCandidates = 50

	// BaseURLPlaceholder is replaced in returned text with the file server URL.
	BaseURLPlaceholder = "{{BASE_URL}}"
)

// Store is the subset of the store the engine reads from.
type Store interface {
	GetKnowledgeBaseByName(ctx context.Context, name string) (*store.KnowledgeBase, error)
	VectorSearch(ctx context.Context, table string, query []float32, k int) ([]store.VectorHit, store.Mode, error)
	KeywordCandidates(ctx context.Context, table string, keywords []string) ([]*store.Chunk, error)
	FullTextSearch(ctx context.Context, table, query string, limit int) ([]store.FullTextHit, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*store.Document, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc returns the embedder configured for a knowledge base.
type EmbedderFunc func(kb *store.KnowledgeBase) (Embedder, error)

// Result is one ranked hit.
type Result struct {
	ChunkID      string  `json:"chunk_id"`
	DocID        string  `json:"doc_id"`
	DocName      string  `json:"doc_name,omitempty"`
	SourcePath   string  `json:"source_path,omitempty"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score,omitempty"`
	KeywordScore float64 `json:"keyword_score,omitempty"`
	MatchType    string  `json:"match_type"` // vector, keyword, hybrid, fulltext
	Promoted     bool    `json:"promoted,omitempty"`
}

// Engine runs searches against one store.
type Engine struct {
	store     Store
	embedders EmbedderFunc
	baseURL   func() string
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmbedders sets how query embedders are obtained. Without it the
// vector signal is skipped.
func WithEmbedders(f EmbedderFunc) Option {
	return func(e *Engine) { e.embedders = f }
}

// WithBaseURL sets the source of the file server URL substituted for
// BaseURLPlaceholder.
func WithBaseURL(f func() string) Option {
	return func(e *Engine) { e.baseURL = f }
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a search engine over s.
func NewEngine(s Store, opts ...Option) *Engine {
	e := &Engine{store: s, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// entry accumulates both signals for one chunk.
type entry struct {
	chunk       *store.Chunk
	vectorRank  int // -1 when absent
	keywordRank int // -1 when absent
	vectorScore float64
	kwScore     float64
	combined    float64
}

// accumulator is shared by the concurrent sub-searches.
type accumulator struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func (a *accumulator) get(c *store.Chunk) *entry {
	e, ok := a.entries[c.ID]
	if !ok {
		e = &entry{chunk: c, vectorRank: -1, keywordRank: -1}
		a.entries[c.ID] = e
	}
	return e
}

// addVector records a vector hit. A chunk already seen by the keyword search
// gains score×vectorWeight on top of its keyword contribution.
func (a *accumulator) addVector(c *store.Chunk, rank int, score, vectorWeight float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(c)
	e.vectorRank = rank
	e.vectorScore = score
	e.combined += score * vectorWeight
}

// addKeyword records a keyword hit. With a vector score present the entry
// is blended as vectorScore×(1−kw) + keywordScore×kw; otherwise it is seeded
// with keywordScore×kw. Since the weights sum to one, the result does not
// depend on which sub-search finished first.
func (a *accumulator) addKeyword(c *store.Chunk, rank int, score, keywordWeight float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(c)
	e.keywordRank = rank
	e.kwScore = score
	if e.vectorRank >= 0 {
		e.combined = e.vectorScore*(1-keywordWeight) + score*keywordWeight
	} else {
		e.combined += score * keywordWeight
	}
}

// ordered returns entries in discovery order: vector hits by rank, then
// keyword-only hits by rank.
func (a *accumulator) ordered() []*entry {
	out := make([]*entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := out[i], out[j]
		vi, vj := ei.vectorRank >= 0, ej.vectorRank >= 0
		if vi != vj {
			return vi
		}
		if vi {
			return ei.vectorRank < ej.vectorRank
		}
		return ei.keywordRank < ej.keywordRank
	})
	return out
}

// Search runs a hybrid search of query in the named knowledge base. When
// keywords is empty they are extracted from the query. A missing knowledge
// base or chunk table yields no results rather than an error; only context
// cancellation is returned.
func (e *Engine) Search(ctx context.Context, kbName, query string, keywords []string) ([]Result, error) {
	kb, err := e.store.GetKnowledgeBaseByName(ctx, kbName)
	if err != nil {
		e.logger.Debug("search on unknown knowledge base", zap.String("kb", kbName), zap.Error(err))
		return []Result{}, nil
	}

	vw, kw, ok := EffectiveWeights(kb)
	if !ok {
		return []Result{}, nil
	}
	if len(keywords) == 0 {
		keywords = textutil.QueryKeywords(query)
	}
	keywords = normalizeKeywords(keywords)

	acc := &accumulator{entries: make(map[string]*entry)}
	table := kb.Table()

	g, gctx := errgroup.WithContext(ctx)
	if vw > 0 {
		g.Go(func() error {
			e.vectorSearch(gctx, kb, table, query, vw, acc)
			return nil
		})
	}
	if kw > 0 && len(keywords) > 0 {
		g.Go(func() error {
			e.keywordSearch(gctx, table, keywords, kw, acc)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ranked := acc.ordered()
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].combined > ranked[j].combined })
	if n := maxRecall(kb); len(ranked) > n {
		ranked = ranked[:n]
	}

	results := make([]Result, len(ranked))
	for i, en := range ranked {
		results[i] = Result{
			ChunkID:      en.chunk.ID,
			DocID:        en.chunk.DocID,
			Content:      chunk.StripTag(en.chunk.Doc),
			Score:        en.combined,
			VectorScore:  en.vectorScore,
			KeywordScore: en.kwScore,
			MatchType:    matchType(en),
		}
	}
	return e.finish(ctx, results), nil
}

// maxRecall is the knowledge base's result cap; rows written by other tools
// may carry zero or a negative value.
func maxRecall(kb *store.KnowledgeBase) int {
	if kb.MaxRecall > 0 {
		return kb.MaxRecall
	}
	return store.DefaultMaxRecall
}

func matchType(en *entry) string {
	switch {
	case en.vectorRank >= 0 && en.keywordRank >= 0:
		return "hybrid"
	case en.vectorRank >= 0:
		return "vector"
	}
	return "keyword"
}

func (e *Engine) vectorSearch(ctx context.Context, kb *store.KnowledgeBase, table, query string, weight float64, acc *accumulator) {
	if e.embedders == nil {
		return
	}
	emb, err := e.embedders(kb)
	if err != nil {
		e.logger.Warn("no embedder for knowledge base", zap.String("kb", kb.Name), zap.Error(err))
		return
	}
	vec, err := emb.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("query embedding failed", zap.String("kb", kb.Name), zap.Error(err))
		return
	}

	k := 3 * maxRecall(kb)
	if k < minVectorCandidates {
		k = minVectorCandidates
	}
	hits, mode, err := e.store.VectorSearch(ctx, table, vec, k)
	if err != nil {
		e.logger.Debug("vector search unavailable", zap.String("table", table), zap.Error(err))
		return
	}

	rank := 0
	for _, h := range hits {
		score := 1 - h.Distance
		if mode == store.ModeApproximate {
			if score <= kb.RecallAccuracy {
				continue
			}
		} else if h.Distance > flatDistanceCutoff {
			continue
		}
		acc.addVector(h.Chunk, rank, score, weight)
		rank++
	}
}

func (e *Engine) keywordSearch(ctx context.Context, table string, keywords []string, weight float64, acc *accumulator) {
	candidates, err := e.store.KeywordCandidates(ctx, table, keywords)
	if err != nil {
		e.logger.Debug("keyword search unavailable", zap.String("table", table), zap.Error(err))
		return
	}
	for rank, c := range candidates {
		acc.addKeyword(c, rank, KeywordScore(c.Doc, keywords), weight)
	}
}

// FullText runs a BM25 search over the knowledge base's full-text index.
// Like Search, a missing knowledge base or index yields no results.
func (e *Engine) FullText(ctx context.Context, kbName, query string, limit int) ([]Result, error) {
	kb, err := e.store.GetKnowledgeBaseByName(ctx, kbName)
	if err != nil {
		return []Result{}, nil
	}
	if limit <= 0 {
		limit = maxRecall(kb)
	}
	hits, err := e.store.FullTextSearch(ctx, kb.Table(), query, limit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Debug("full-text search unavailable", zap.String("kb", kbName), zap.Error(err))
		return []Result{}, nil
	}
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			ChunkID:   h.Chunk.ID,
			DocID:     h.Chunk.DocID,
			Content:   chunk.StripTag(h.Chunk.Doc),
			Score:     -h.Rank,
			MatchType: "fulltext",
		}
	}
	return e.resolve(ctx, results), nil
}

func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

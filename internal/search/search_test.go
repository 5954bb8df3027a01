package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/kbrag/internal/store"
)

// fakeStore serves canned sub-search results.
type fakeStore struct {
	kbs     map[string]*store.KnowledgeBase
	vector  []store.VectorHit
	mode    store.Mode
	keyword []*store.Chunk
	fts     []store.FullTextHit
	docs    map[string]*store.Document

	vectorCalls  atomic.Int32
	keywordCalls atomic.Int32
	lastK        atomic.Int32
	lastKeywords []string
}

func (f *fakeStore) GetKnowledgeBaseByName(_ context.Context, name string) (*store.KnowledgeBase, error) {
	kb, ok := f.kbs[name]
	if !ok {
		return nil, store.ErrKnowledgeBaseNotFound
	}
	return kb, nil
}

func (f *fakeStore) VectorSearch(_ context.Context, _ string, _ []float32, k int) ([]store.VectorHit, store.Mode, error) {
	f.vectorCalls.Add(1)
	f.lastK.Store(int32(k))
	return f.vector, f.mode, nil
}

func (f *fakeStore) KeywordCandidates(_ context.Context, _ string, keywords []string) ([]*store.Chunk, error) {
	f.keywordCalls.Add(1)
	f.lastKeywords = keywords
	return f.keyword, nil
}

func (f *fakeStore) FullTextSearch(_ context.Context, _ string, _ string, _ int) ([]store.FullTextHit, error) {
	return f.fts, nil
}

func (f *fakeStore) GetDocuments(_ context.Context, ids []string) (map[string]*store.Document, error) {
	out := make(map[string]*store.Document)
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

type fixedEmbedder struct {
	vec []float32
	err error
}

func (e fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return e.vec, e.err }

func embedWith(e Embedder) Option {
	return WithEmbedders(func(*store.KnowledgeBase) (Embedder, error) { return e, nil })
}

func newKB(vw, kw float64) *store.KnowledgeBase {
	return &store.KnowledgeBase{
		Name: "kb", SearchStrategy: store.StrategyHybrid, MaxRecall: 5,
		RecallAccuracy: 0.3, VectorWeight: vw, KeywordWeight: kw,
	}
}

func longDoc(id string) *store.Document {
	return &store.Document{ID: id, Name: id + ".md", SourcePath: "/docs/" + id + ".md", Content: strings.Repeat("filler ", 300)}
}

const eps = 1e-9

func chunkIDs(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	return ids
}

// --- Weights ---

func TestNormalizeWeights(t *testing.T) {
	tests := []struct {
		v, k         float64
		wantV, wantK float64
		ok           bool
	}{
		{0.7, 0.3, 0.7, 0.3, true},
		{2, 0, 1, 0, true},
		{-1, 0.5, 0, 1, true},
		{0.5, 0.5, 0.5, 0.5, true},
		{0.2, 0.2, 0.5, 0.5, true},
		{0, 0, 0, 0, false},
		{-3, -1, 0, 0, false},
	}
	for _, tt := range tests {
		v, k, ok := NormalizeWeights(tt.v, tt.k)
		assert.Equal(t, tt.ok, ok, "NormalizeWeights(%v, %v)", tt.v, tt.k)
		assert.InDelta(t, tt.wantV, v, eps, "NormalizeWeights(%v, %v) vector", tt.v, tt.k)
		assert.InDelta(t, tt.wantK, k, eps, "NormalizeWeights(%v, %v) keyword", tt.v, tt.k)
	}
}

func TestNormalizeWeights_SumToOne(t *testing.T) {
	for v := 0.0; v <= 1.5; v += 0.05 {
		for k := 0.0; k <= 1.5; k += 0.05 {
			nv, nk, ok := NormalizeWeights(v, k)
			if !ok {
				require.True(t, v == 0 && k == 0, "(%v, %v) rejected", v, k)
				continue
			}
			require.InDelta(t, 1, nv+nk, eps, "(%v, %v)", v, k)
		}
	}
}

func TestEffectiveWeights_Strategy(t *testing.T) {
	kb := newKB(0.7, 0.3)
	kb.SearchStrategy = store.StrategyVector
	v, k, _ := EffectiveWeights(kb)
	assert.Equal(t, []float64{1, 0}, []float64{v, k}, "vector strategy")

	kb.SearchStrategy = store.StrategyKeyword
	v, k, _ = EffectiveWeights(kb)
	assert.Equal(t, []float64{0, 1}, []float64{v, k}, "keyword strategy")

	kb.KeywordWeight = 0
	_, _, ok := EffectiveWeights(kb)
	assert.False(t, ok, "keyword strategy with zero keyword weight should be unusable")
}

// --- Keyword scoring ---

func TestKeywordScore(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		keywords []string
		want     float64
	}{
		{"no keywords", "anything", nil, 0},
		{"no match", "anything", []string{"zzz"}, 0},
		{"single early repeated", "go go go", []string{"go"}, 0.7 + 0.2*0.6 + 0.1},
		{"half matched", "abc xyz", []string{"xyz", "nope"}, 0.7*0.5 + 0.2*0.1 + 0.1*(1-4.0/7)},
		{"saturated frequency", strings.Repeat("ab ", 20), []string{"ab"}, 0.7 + 0.2 + 0.1},
		{"case insensitive", "Hello WORLD", []string{"world"}, 0.7 + 0.2*0.2 + 0.1*(1-6.0/11)},
		{"rune positions", "数据库索引", []string{"索引"}, 0.7 + 0.2*0.2 + 0.1*(1-3.0/5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, KeywordScore(tt.text, tt.keywords), eps)
		})
	}
}

// --- Search ---

func TestSearch_IsolatedSignals(t *testing.T) {
	// A matches by vector only (0.9), B by keyword only (0.8).
	a := &store.Chunk{ID: "A", DocID: "d1", Doc: "vector only text"}
	b := &store.Chunk{ID: "B", DocID: "d2", Doc: "aaaaxybbbb"}
	fs := &fakeStore{
		kbs:     map[string]*store.KnowledgeBase{"kb": newKB(0.7, 0.3)},
		vector:  []store.VectorHit{{Chunk: a, Distance: 0.1}},
		keyword: []*store.Chunk{b},
		docs:    map[string]*store.Document{"d1": longDoc("d1"), "d2": longDoc("d2")},
	}
	e := NewEngine(fs, embedWith(fixedEmbedder{vec: []float32{1}}))

	results, err := e.Search(context.Background(), "kb", "query", []string{"xy"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].ChunkID)
	assert.InDelta(t, 0.63, results[0].Score, eps)
	assert.Equal(t, "vector", results[0].MatchType)
	assert.Equal(t, "B", results[1].ChunkID)
	assert.InDelta(t, 0.24, results[1].Score, eps)
	assert.Equal(t, "keyword", results[1].MatchType)
}

func TestSearch_BlendsBothSignals(t *testing.T) {
	c := &store.Chunk{ID: "C", DocID: "d1", Doc: "xy appears here"}
	fs := &fakeStore{
		kbs:     map[string]*store.KnowledgeBase{"kb": newKB(0.7, 0.3)},
		vector:  []store.VectorHit{{Chunk: c, Distance: 0.5}},
		keyword: []*store.Chunk{c},
		docs:    map[string]*store.Document{"d1": longDoc("d1")},
	}
	e := NewEngine(fs, embedWith(fixedEmbedder{vec: []float32{1}}))

	results, err := e.Search(context.Background(), "kb", "q", []string{"xy"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	want := 0.5*0.7 + KeywordScore(c.Doc, []string{"xy"})*0.3
	assert.InDelta(t, want, results[0].Score, eps)
	assert.Equal(t, "hybrid", results[0].MatchType)
}

func TestSearch_RecallFloors(t *testing.T) {
	keep := &store.Chunk{ID: "keep", DocID: "d1", Doc: "keep"}
	drop := &store.Chunk{ID: "drop", DocID: "d1", Doc: "drop"}
	docs := map[string]*store.Document{"d1": longDoc("d1")}

	t.Run("approximate drops score at or below recall accuracy", func(t *testing.T) {
		fs := &fakeStore{
			kbs:    map[string]*store.KnowledgeBase{"kb": newKB(1, 0)},
			vector: []store.VectorHit{{Chunk: keep, Distance: 0.6}, {Chunk: drop, Distance: 0.75}},
			mode:   store.ModeApproximate,
			docs:   docs,
		}
		results, _ := NewEngine(fs, embedWith(fixedEmbedder{vec: []float32{1}})).Search(context.Background(), "kb", "q", nil)
		assert.Equal(t, []string{"keep"}, chunkIDs(results))
	})

	t.Run("flat drops only huge distances", func(t *testing.T) {
		fs := &fakeStore{
			kbs:    map[string]*store.KnowledgeBase{"kb": newKB(1, 0)},
			vector: []store.VectorHit{{Chunk: keep, Distance: 0.9}, {Chunk: drop, Distance: 700}},
			mode:   store.ModeFlat,
			docs:   docs,
		}
		results, _ := NewEngine(fs, embedWith(fixedEmbedder{vec: []float32{1}})).Search(context.Background(), "kb", "q", nil)
		assert.Equal(t, []string{"keep"}, chunkIDs(results))
	})
}

func TestSearch_CandidateCount(t *testing.T) {
	for _, tc := range []struct{ maxRecall, wantK int }{{5, 50}, {20, 60}, {-1, 50}} {
		kb := newKB(1, 0)
		kb.MaxRecall = tc.maxRecall
		fs := &fakeStore{kbs: map[string]*store.KnowledgeBase{"kb": kb}}
		NewEngine(fs, embedWith(fixedEmbedder{vec: []float32{1}})).Search(context.Background(), "kb", "q", nil)
		assert.Equal(t, tc.wantK, int(fs.lastK.Load()), "max_recall %d", tc.maxRecall)
	}
}

func TestSearch_NonPositiveMaxRecall(t *testing.T) {
	for _, recall := range []int{0, -1} {
		var keyword []*store.Chunk
		docs := map[string]*store.Document{}
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("d%d", i)
			docs[id] = longDoc(id)
			keyword = append(keyword, &store.Chunk{ID: fmt.Sprintf("k%d", i), DocID: id, Doc: "xy"})
		}
		kb := newKB(0, 1)
		kb.MaxRecall = recall
		fs := &fakeStore{kbs: map[string]*store.KnowledgeBase{"kb": kb}, keyword: keyword, docs: docs}

		results, err := NewEngine(fs).Search(context.Background(), "kb", "q", []string{"xy"})
		require.NoError(t, err, "max_recall %d", recall)
		assert.Len(t, results, store.DefaultMaxRecall, "max_recall %d", recall)
	}
}

func TestSearch_MissingKnowledgeBase(t *testing.T) {
	e := NewEngine(&fakeStore{kbs: map[string]*store.KnowledgeBase{}})
	results, err := e.Search(context.Background(), "ghost", "q", nil)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearch_ZeroWeights(t *testing.T) {
	fs := &fakeStore{kbs: map[string]*store.KnowledgeBase{"kb": newKB(0, 0)}}
	kb := fs.kbs["kb"]
	kb.VectorWeight, kb.KeywordWeight = 0, 0
	results, err := NewEngine(fs, embedWith(fixedEmbedder{vec: []float32{1}})).Search(context.Background(), "kb", "q", []string{"x"})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fs.vectorCalls.Load(), "no sub-search should run with zero weights")
	assert.Zero(t, fs.keywordCalls.Load(), "no sub-search should run with zero weights")
}

func TestSearch_KeywordStrategySkipsVector(t *testing.T) {
	kb := newKB(0.7, 0.3)
	kb.SearchStrategy = store.StrategyKeyword
	fs := &fakeStore{
		kbs:     map[string]*store.KnowledgeBase{"kb": kb},
		keyword: []*store.Chunk{{ID: "k", DocID: "d1", Doc: "xy"}},
		docs:    map[string]*store.Document{"d1": longDoc("d1")},
	}
	results, _ := NewEngine(fs, embedWith(fixedEmbedder{vec: []float32{1}})).Search(context.Background(), "kb", "q", []string{"xy"})
	assert.Zero(t, fs.vectorCalls.Load(), "vector search should not run for keyword strategy")
	require.Len(t, results, 1)
	assert.InDelta(t, KeywordScore("xy", []string{"xy"}), results[0].Score, eps)
}

func TestSearch_EmbedderFailureDegrades(t *testing.T) {
	fs := &fakeStore{
		kbs:     map[string]*store.KnowledgeBase{"kb": newKB(0.7, 0.3)},
		vector:  []store.VectorHit{{Chunk: &store.Chunk{ID: "v", DocID: "d1"}, Distance: 0}},
		keyword: []*store.Chunk{{ID: "k", DocID: "d1", Doc: "xy"}},
		docs:    map[string]*store.Document{"d1": longDoc("d1")},
	}
	e := NewEngine(fs, embedWith(fixedEmbedder{err: errors.New("provider down")}))
	results, err := e.Search(context.Background(), "kb", "q", []string{"xy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, chunkIDs(results))
	assert.Zero(t, fs.vectorCalls.Load(), "vector store should not be queried without a query vector")
}

func TestSearch_DefaultKeywordsFromQuery(t *testing.T) {
	fs := &fakeStore{kbs: map[string]*store.KnowledgeBase{"kb": newKB(0, 1)}}
	NewEngine(fs).Search(context.Background(), "kb", "What is the Retention policy?", nil)
	assert.Equal(t, []string{"retention", "policy"}, fs.lastKeywords)
}

func TestSearch_OrderingAndCap(t *testing.T) {
	var vector []store.VectorHit
	var keyword []*store.Chunk
	docs := map[string]*store.Document{}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("d%d", i)
		docs[id] = longDoc(id)
		vector = append(vector, store.VectorHit{Chunk: &store.Chunk{ID: fmt.Sprintf("v%d", i), DocID: id}, Distance: 0.5})
		keyword = append(keyword, &store.Chunk{ID: fmt.Sprintf("k%d", i), DocID: id, Doc: "xy"})
	}
	kb := newKB(0.5, 0.5)
	kb.MaxRecall = 6
	fs := &fakeStore{kbs: map[string]*store.KnowledgeBase{"kb": kb}, vector: vector, keyword: keyword, docs: docs}
	e := NewEngine(fs, embedWith(fixedEmbedder{vec: []float32{1}}))

	first, _ := e.Search(context.Background(), "kb", "q", []string{"zz"})
	require.Len(t, first, 6)
	// Equal scores keep discovery order: vector hits first, then keyword-only.
	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "k0", "k1"}, chunkIDs(first))

	for i := 0; i < 5; i++ {
		again, _ := e.Search(context.Background(), "kb", "q", []string{"zz"})
		require.Equal(t, first, again, "run %d differs", i)
	}
}

func TestSearch_DocumentPromotion(t *testing.T) {
	short := &store.Document{ID: "short", Name: "short.md", Content: strings.Repeat("s", 100)}
	long := longDoc("long")
	fs := &fakeStore{
		kbs: map[string]*store.KnowledgeBase{"kb": newKB(1, 0)},
		vector: []store.VectorHit{
			{Chunk: &store.Chunk{ID: "l1", DocID: "long", Doc: "[long.md]#0 POS[0-5]\nlong1"}, Distance: 0.1},
			{Chunk: &store.Chunk{ID: "s1", DocID: "short", Doc: "[short.md]#0 POS[0-6]\nssssss"}, Distance: 0.2},
			{Chunk: &store.Chunk{ID: "l2", DocID: "long", Doc: "long2"}, Distance: 0.3},
			{Chunk: &store.Chunk{ID: "s2", DocID: "short", Doc: "ssssss"}, Distance: 0.4},
		},
		docs: map[string]*store.Document{"short": short, "long": long},
	}
	results, _ := NewEngine(fs, embedWith(fixedEmbedder{vec: []float32{1}})).Search(context.Background(), "kb", "q", nil)

	require.Equal(t, []string{"l1", "s1", "l2"}, chunkIDs(results))
	assert.True(t, results[1].Promoted, "short doc not promoted")
	assert.Equal(t, short.Content, results[1].Content)
	assert.False(t, results[0].Promoted, "long doc chunk changed")
	assert.Equal(t, "long1", results[0].Content)
	assert.Equal(t, "short.md", results[1].DocName)
	assert.Equal(t, "/docs/long.md", results[0].SourcePath)
}

func TestSearch_BaseURLPlaceholder(t *testing.T) {
	fs := &fakeStore{
		kbs:     map[string]*store.KnowledgeBase{"kb": newKB(0, 1)},
		keyword: []*store.Chunk{{ID: "k", DocID: "d1", Doc: "see {{BASE_URL}}/files/img.png for xy"}},
		docs:    map[string]*store.Document{"d1": longDoc("d1")},
	}
	e := NewEngine(fs, WithBaseURL(func() string { return "http://127.0.0.1:8181/" }))
	results, _ := e.Search(context.Background(), "kb", "q", []string{"xy"})
	require.Len(t, results, 1)
	assert.Equal(t, "see http://127.0.0.1:8181/files/img.png for xy", results[0].Content)
}

func TestSearch_Canceled(t *testing.T) {
	fs := &fakeStore{kbs: map[string]*store.KnowledgeBase{"kb": newKB(0.5, 0.5)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(fs).Search(ctx, "kb", "q", []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFullText(t *testing.T) {
	fs := &fakeStore{
		kbs:  map[string]*store.KnowledgeBase{"kb": newKB(0.5, 0.5)},
		fts:  []store.FullTextHit{{Chunk: &store.Chunk{ID: "f", DocID: "d1", Doc: "[d1.md]#0 POS[0-4]\nbody"}, Rank: -2.5}},
		docs: map[string]*store.Document{"d1": longDoc("d1")},
	}
	results, err := NewEngine(fs).FullText(context.Background(), "kb", "body", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "body", results[0].Content)
	assert.Equal(t, 2.5, results[0].Score)
	assert.Equal(t, "d1.md", results[0].DocName)
}

// --- Against a real store ---

type axisEmbedder struct{}

func (axisEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "cat") {
		return []float32{1, 0, 0, 0}, nil
	}
	return []float32{0, 1, 0, 0}, nil
}

func TestSearch_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "kb.db"), Dimensions: 4})
	require.NoError(t, err)
	defer s.Close()

	kb := &store.KnowledgeBase{Name: "pets", MaxRecall: 3}
	require.NoError(t, s.CreateKnowledgeBase(ctx, kb))
	require.NoError(t, s.EnsureChunkTable(ctx, kb.Table()))
	doc := &store.Document{Name: "pets.md", SourcePath: "/pets.md", KnowledgeBaseID: kb.ID, Content: strings.Repeat("x", 5000)}
	require.NoError(t, s.AddDocument(ctx, doc))
	chunks := []*store.Chunk{
		{Doc: "[pets.md]#0 POS[0-20]\ncats purr on laps", DocID: doc.ID, Vector: []float32{1, 0, 0, 0}},
		{Doc: "[pets.md]#1 POS[20-40]\ndogs bark at mail", DocID: doc.ID, Vector: []float32{0, 1, 0, 0}},
	}
	require.NoError(t, s.InsertChunks(ctx, kb.Table(), chunks))

	e := NewEngine(s, embedWith(axisEmbedder{}))
	results, err := e.Search(ctx, "pets", "cat", []string{"purr"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "cats purr on laps", results[0].Content)
	assert.Equal(t, "hybrid", results[0].MatchType)
	assert.Equal(t, "pets.md", results[0].DocName)

	missing, err := e.Search(ctx, "pets-missing", "cat", nil)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

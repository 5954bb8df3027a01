package main

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/kbrag/internal/embed"
	"github.com/hurttlocker/kbrag/internal/store"
)

func TestParseGlobalFlags(t *testing.T) {
	g, rest, err := parseGlobalFlags([]string{"docs", "--db", "/tmp/x.db", "--json", "--data-dir=/srv", "-r", "a.md"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", g.DBPath)
	assert.Equal(t, "/srv", g.DataDir)
	assert.True(t, g.JSON)
	assert.Equal(t, []string{"docs", "-r", "a.md"}, rest)

	_, _, err = parseGlobalFlags([]string{"--embed"})
	assert.ErrorIs(t, err, errUsage)
}

func TestFlagArg(t *testing.T) {
	args := []string{"--limit", "3", "--keywords=a,b", "--limit"}
	i := 0
	v, ok := flagArg(args, &i, "--limit")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Equal(t, 1, i)

	i = 2
	v, ok = flagArg(args, &i, "--keywords")
	assert.True(t, ok)
	assert.Equal(t, "a,b", v)
	assert.Equal(t, 2, i)

	i = 3
	_, ok = flagArg(args, &i, "--limit")
	assert.False(t, ok, "missing value does not match")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Equal(t, "one two", snippet("one\n\n two", 20))
	assert.Equal(t, "abc…", snippet("abcdef", 3))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "sk-a…wxyz", maskSecret("sk-abcdefghwxyz"))
	assert.Equal(t, "2 embedded, 1 parse_failed", stateSummary(map[store.ParseState]int{
		store.StateParseFailed: 1,
		store.StateEmbedded:    2,
	}))
	assert.Equal(t, "none", stateSummary(nil))
}

type hashProvider struct{}

func (hashProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	h := fnv.New32a()
	h.Write([]byte(text))
	sum := h.Sum32()
	vec := make([]float32, 4)
	for i := range vec {
		vec[i] = float32((sum>>(8*i))&0xff) + 1
	}
	return vec, nil
}

// testFlags points every command at a fresh data directory with a fake
// embedding provider.
func testFlags(t *testing.T) *globalFlags {
	t.Helper()
	prev := providerFunc
	providerFunc = func(supplier, model string) (embed.Provider, error) {
		if supplier != "test" {
			return nil, errors.New("unknown supplier")
		}
		return hashProvider{}, nil
	}
	t.Cleanup(func() { providerFunc = prev })
	t.Setenv("KBRAG_EMBED_ENDPOINT", "")
	t.Setenv("KBRAG_EMBED_API_KEY", "")
	t.Setenv("KBRAG_EMBED", "")

	dir := t.TempDir()
	return &globalFlags{
		ConfigPath: filepath.Join(dir, "absent.yaml"),
		EnvFile:    filepath.Join(dir, "absent.env"),
		DataDir:    filepath.Join(dir, "data"),
		Embed:      "test/hash",
	}
}

func openTestStore(t *testing.T, g *globalFlags) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(store.Config{
		DBPath:  filepath.Join(g.DataDir, "kbrag.db"),
		DataDir: g.DataDir,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCommands_EndToEnd(t *testing.T) {
	ctx := context.Background()
	g := testFlags(t)

	src := filepath.Join(t.TempDir(), "guide.md")
	require.NoError(t, os.WriteFile(src, []byte("# Guide\n\nBackups run nightly. Retention is thirty days."), 0o644))

	require.NoError(t, runKB(ctx, g, []string{"create", "docs", "--max-recall", "3"}))
	require.NoError(t, runAdd(ctx, g, []string{"docs", src, "--chunk-size", "200"}))
	require.NoError(t, runRun(ctx, g, []string{"--once", "--no-server"}))
	require.NoError(t, runSearch(ctx, g, []string{"docs", "how", "often", "--keywords", "nightly"}))
	require.NoError(t, runSearch(ctx, g, []string{"docs", "retention", "--fulltext"}))
	require.NoError(t, runReindex(ctx, g, []string{"docs"}))
	require.NoError(t, runStats(ctx, g, nil))
	require.NoError(t, runKB(ctx, g, []string{"update", "docs", "--max-recall", "4", "--keyword-weight", "0.5"}))
	require.NoError(t, runKB(ctx, g, []string{"labels", "docs"}))
	require.NoError(t, runKB(ctx, g, []string{"labels", "docs", "backups", "--limit", "2"}))

	s := openTestStore(t, g)
	kb, err := s.GetKnowledgeBaseByName(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "test", kb.Supplier)
	assert.Equal(t, "hash", kb.Model)
	assert.Equal(t, 4, kb.MaxRecall)
	assert.Equal(t, 0.5, kb.KeywordWeight)

	docs, err := s.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, store.StateEmbedded, docs[0].State)
	assert.Equal(t, 200, docs[0].ChunkSize)
	assert.True(t, s.HasFullText(kb.Table()))
}

func TestCommands_Errors(t *testing.T) {
	ctx := context.Background()
	g := testFlags(t)

	assert.ErrorIs(t, runAdd(ctx, g, []string{"docs"}), errUsage)
	assert.ErrorIs(t, runSearch(ctx, g, []string{"docs", "--bogus", "x"}), errUsage)
	assert.ErrorIs(t, runKB(ctx, g, []string{"frobnicate"}), errUsage)
	assert.ErrorIs(t, runAdd(ctx, g, []string{"missing", t.TempDir()}), store.ErrKnowledgeBaseNotFound)

	g.Embed = ""
	err := runKB(ctx, g, []string{"create", "novec"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs an embedding model")
	assert.NoError(t, runKB(ctx, g, []string{"create", "kw", "--strategy", "keyword"}))

	assert.ErrorIs(t, runKB(ctx, g, []string{"update", "kw", "--bogus"}), errUsage)
	assert.ErrorIs(t, runKB(ctx, g, []string{"update", "ghost", "--max-recall", "2"}), store.ErrKnowledgeBaseNotFound)
	err = runKB(ctx, g, []string{"update", "kw", "--strategy", "hybrid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs an embedding model")
	assert.NoError(t, runKB(ctx, g, []string{"labels", "kw"}))
	assert.ErrorIs(t, runKB(ctx, g, []string{"labels"}), errUsage)
}

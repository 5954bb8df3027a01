package mcp

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/kbrag/internal/ingest"
	"github.com/hurttlocker/kbrag/internal/search"
	"github.com/hurttlocker/kbrag/internal/store"
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New32a()
	h.Write([]byte(text))
	sum := h.Sum32()
	vec := make([]float32, 4)
	for i := range vec {
		vec[i] = float32((sum>>(8*i))&0xff) + 1
	}
	return vec, nil
}

type testEnv struct {
	store    *store.SQLiteStore
	pipeline *ingest.Pipeline
	srv      *server.MCPServer
	dir      string
}

// setupServer opens a store with one ingested document in knowledge base
// "docs" and returns an MCP server over it.
func setupServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{DBPath: filepath.Join(dir, "kbrag.db"), Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.CreateKnowledgeBase(ctx, &store.KnowledgeBase{Name: "docs", Supplier: "test", Model: "m"}))

	p := ingest.NewPipeline(s, func(*store.KnowledgeBase) (ingest.Embedder, error) { return hashEmbedder{}, nil })
	src := writeFile(t, dir, "guide.md", "# Guide\n\nBackups run nightly. Retention is thirty days for backups.")
	_, err = p.Add(ctx, "docs", []string{src}, ingest.AddOptions{})
	require.NoError(t, err)
	_, err = p.RunCycle(ctx)
	require.NoError(t, err)

	engine := search.NewEngine(s, search.WithEmbedders(func(*store.KnowledgeBase) (search.Embedder, error) {
		return hashEmbedder{}, nil
	}))
	srv := NewServer(ServerConfig{Store: s, Search: engine, Pipeline: p, Version: "test"})
	return &testEnv{store: s, pipeline: p, srv: srv, dir: dir}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, "src", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// callTool invokes an MCP tool through the JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &resp), "raw: %s", respBytes)
	require.Nil(t, resp.Error, "JSON-RPC error")

	callResult := &mcplib.CallToolResult{IsError: resp.Result.IsError}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}
	return callResult
}

func callResource(t *testing.T, srv *server.MCPServer, uri string) string {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params":  map[string]any{"uri": uri},
	}))

	respBytes, err := json.Marshal(result)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &resp), "raw: %s", respBytes)
	require.Nil(t, resp.Error, "JSON-RPC error")
	require.NotEmpty(t, resp.Result.Contents, "no resource contents for %s", uri)
	return resp.Result.Contents[0].Text
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	require.FailNow(t, "no text content found")
	return ""
}

func TestSearchTool(t *testing.T) {
	env := setupServer(t)

	result := callTool(t, env.srv, "kb_search", map[string]any{
		"kb":       "docs",
		"query":    "how often do backups run",
		"keywords": []string{"nightly"},
	})
	require.False(t, result.IsError, getTextContent(t, result))

	var results []search.Result
	require.NoError(t, json.Unmarshal([]byte(getTextContent(t, result)), &results))
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "nightly")
}

func TestSearchToolUnknownKnowledgeBase(t *testing.T) {
	env := setupServer(t)

	result := callTool(t, env.srv, "kb_search", map[string]any{"kb": "nope", "query": "backups"})
	require.False(t, result.IsError)
	assert.Equal(t, "[]", strings.TrimSpace(getTextContent(t, result)))
}

func TestSearchToolValidation(t *testing.T) {
	env := setupServer(t)

	result := callTool(t, env.srv, "kb_search", map[string]any{"kb": "docs", "query": "  "})
	assert.True(t, result.IsError)
	assert.Contains(t, getTextContent(t, result), "query is required")

	result = callTool(t, env.srv, "kb_search", map[string]any{"query": "backups"})
	assert.True(t, result.IsError)
}

func TestFullTextTool(t *testing.T) {
	env := setupServer(t)

	result := callTool(t, env.srv, "kb_fulltext", map[string]any{"kb": "docs", "query": "retention", "limit": 3})
	require.False(t, result.IsError, getTextContent(t, result))

	var results []search.Result
	require.NoError(t, json.Unmarshal([]byte(getTextContent(t, result)), &results))
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "Retention")
}

func TestAddDocumentTool(t *testing.T) {
	env := setupServer(t)
	src := writeFile(t, env.dir, "notes.txt", "restore drills happen quarterly")

	result := callTool(t, env.srv, "kb_add_document", map[string]any{
		"kb":         "docs",
		"path":       src,
		"chunk_size": 200,
		"separators": []string{"\n\n"},
	})
	require.False(t, result.IsError, getTextContent(t, result))

	var added ingest.AddResult
	require.NoError(t, json.Unmarshal([]byte(getTextContent(t, result)), &added))
	require.Len(t, added.DocumentIDs, 1)

	d, err := env.store.GetDocument(context.Background(), added.DocumentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.StateUnparsed, d.State)
	assert.Equal(t, 200, d.ChunkSize)
	assert.Equal(t, []string{"\n\n"}, d.Separators)
}

func TestAddDocumentToolUnknownKnowledgeBase(t *testing.T) {
	env := setupServer(t)

	result := callTool(t, env.srv, "kb_add_document", map[string]any{"kb": "nope", "path": env.dir})
	assert.True(t, result.IsError)
	assert.Contains(t, getTextContent(t, result), `knowledge base "nope" not found`)
}

func TestResetDocumentTool(t *testing.T) {
	env := setupServer(t)
	docs, err := env.store.ListDocuments(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	result := callTool(t, env.srv, "kb_reset_document", map[string]any{"doc_id": docs[0].ID})
	require.False(t, result.IsError, getTextContent(t, result))

	d, err := env.store.GetDocument(context.Background(), docs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateUnparsed, d.State)

	result = callTool(t, env.srv, "kb_reset_document", map[string]any{"doc_id": "missing"})
	assert.True(t, result.IsError)
}

func TestStatsTool(t *testing.T) {
	env := setupServer(t)

	result := callTool(t, env.srv, "kb_stats", map[string]any{})
	require.False(t, result.IsError, getTextContent(t, result))

	var stats statsView
	require.NoError(t, json.Unmarshal([]byte(getTextContent(t, result)), &stats))
	assert.Equal(t, 1, stats.KnowledgeBases)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, int64(1), stats.Chunks)
	assert.Equal(t, 1, stats.ByState["embedded"])

	result = callTool(t, env.srv, "kb_stats", map[string]any{"kb": "docs"})
	require.False(t, result.IsError, getTextContent(t, result))
	var kb kbStatsView
	require.NoError(t, json.Unmarshal([]byte(getTextContent(t, result)), &kb))
	assert.Equal(t, "docs", kb.Name)
	assert.Equal(t, store.TableName("docs"), kb.Table)
	assert.True(t, kb.FullText)

	result = callTool(t, env.srv, "kb_stats", map[string]any{"kb": "nope"})
	assert.True(t, result.IsError)
}

func TestListTool(t *testing.T) {
	env := setupServer(t)

	result := callTool(t, env.srv, "kb_list", map[string]any{})
	require.False(t, result.IsError, getTextContent(t, result))

	var kbs []kbView
	require.NoError(t, json.Unmarshal([]byte(getTextContent(t, result)), &kbs))
	require.Len(t, kbs, 1)
	assert.Equal(t, "docs", kbs[0].Name)
	assert.Equal(t, "hybrid", kbs[0].SearchStrategy)
}

func TestResources(t *testing.T) {
	env := setupServer(t)

	var stats statsView
	require.NoError(t, json.Unmarshal([]byte(callResource(t, env.srv, "kbrag://stats")), &stats))
	assert.Equal(t, 1, stats.Documents)

	var kbs []kbView
	require.NoError(t, json.Unmarshal([]byte(callResource(t, env.srv, "kbrag://knowledge-bases")), &kbs))
	require.Len(t, kbs, 1)
	assert.Equal(t, "test", kbs[0].Supplier)
}

func TestWriteToolsNeedPipeline(t *testing.T) {
	env := setupServer(t)
	srv := NewServer(ServerConfig{Store: env.store, Search: search.NewEngine(env.store)})

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/list",
	}))
	respBytes, err := json.Marshal(result)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	var names []string
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"kb_search", "kb_fulltext", "kb_stats", "kb_list"}, names)
}

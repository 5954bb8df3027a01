// Package mcp provides a Model Context Protocol server for kbrag.
//
// It exposes knowledge-base search, document registration and statistics as
// MCP tools, and store statistics and the knowledge-base list as MCP
// resources. Served over stdio by `kbrag mcp`.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hurttlocker/kbrag/internal/ingest"
	"github.com/hurttlocker/kbrag/internal/search"
	"github.com/hurttlocker/kbrag/internal/store"
)

// Store is the subset of the store the tools read.
type Store interface {
	ListKnowledgeBases(ctx context.Context) ([]*store.KnowledgeBase, error)
	GetKnowledgeBaseByName(ctx context.Context, name string) (*store.KnowledgeBase, error)
	Stats(ctx context.Context) (*store.Stats, error)
	KnowledgeBaseStats(ctx context.Context, kb *store.KnowledgeBase) (*store.KBStats, error)
}

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store    Store
	Search   *search.Engine
	Pipeline *ingest.Pipeline // optional; kb_add_document and kb_reset_document need it
	Version  string           // version string for MCP server info
	Logger   *zap.Logger
}

// writeMu serializes tool calls that write to the database. mcp-go
// dispatches handlers concurrently and SQLite allows one writer at a time.
var writeMu sync.Mutex

// maxSearchResults caps the limit argument of the search tools.
const maxSearchResults = 50

// NewServer creates a configured MCP server with all kbrag tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := server.NewMCPServer(
		"kbrag",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerSearchTool(s, cfg.Search)
	registerFullTextTool(s, cfg.Search)
	registerStatsTool(s, cfg.Store)
	registerListTool(s, cfg.Store)
	if cfg.Pipeline != nil {
		registerAddDocumentTool(s, cfg.Pipeline, cfg.Logger)
		registerResetTool(s, cfg.Pipeline)
	}

	registerStatsResource(s, cfg.Store)
	registerKnowledgeBasesResource(s, cfg.Store)
	return s
}

// --- Tools ---

func registerSearchTool(s *server.MCPServer, engine *search.Engine) {
	tool := mcp.NewTool("kb_search",
		mcp.WithDescription("Hybrid (vector + keyword) search of a knowledge base. Returns ranked chunks with scores and source documents. Chunks covering a large share of their document are replaced by the whole document."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("kb",
			mcp.Required(),
			mcp.Description("Knowledge base name"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query string"),
		),
		mcp.WithArray("keywords",
			mcp.Description("Keywords for the keyword signal. Extracted from the query when omitted."),
			mcp.WithStringItems(),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: the knowledge base's max recall, max: 50)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kb, err := req.RequireString("kb")
		if err != nil {
			return mcp.NewToolResultError("kb is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcp.NewToolResultError("query is required"), nil
		}
		keywords := req.GetStringSlice("keywords", nil)

		results, err := engine.Search(ctx, kb, query, keywords)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search error: %v", err)), nil
		}
		return jsonResult(limitResults(results, req))
	})
}

func registerFullTextTool(s *server.MCPServer, engine *search.Engine) {
	tool := mcp.NewTool("kb_fulltext",
		mcp.WithDescription("BM25 full-text search of a knowledge base's chunks. Useful for exact terms, names and identifiers."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("kb",
			mcp.Required(),
			mcp.Description("Knowledge base name"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search terms"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 10, max: 50)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kb, err := req.RequireString("kb")
		if err != nil {
			return mcp.NewToolResultError("kb is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcp.NewToolResultError("query is required"), nil
		}
		limit := 10
		if v, err := req.RequireFloat("limit"); err == nil && v > 0 {
			limit = min(int(v), maxSearchResults)
		}

		results, err := engine.FullText(ctx, kb, query, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search error: %v", err)), nil
		}
		return jsonResult(results)
	})
}

func registerAddDocumentTool(s *server.MCPServer, p *ingest.Pipeline, logger *zap.Logger) {
	tool := mcp.NewTool("kb_add_document",
		mcp.WithDescription("Register a file or directory with a knowledge base. Documents are parsed, chunked and embedded by the background pipeline; use kb_stats to follow progress."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("kb",
			mcp.Required(),
			mcp.Description("Knowledge base name"),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Absolute path of a file or directory"),
		),
		mcp.WithNumber("chunk_size",
			mcp.Description("Maximum chunk length in characters (default: 1000, minimum: 100)"),
		),
		mcp.WithNumber("overlap_size",
			mcp.Description("Characters shared between adjacent chunks (default: 100)"),
		),
		mcp.WithArray("separators",
			mcp.Description("Split rules applied in order: literal strings, or regular expressions written as /pattern/"),
			mcp.WithStringItems(),
		),
		mcp.WithBoolean("recursive",
			mcp.Description("Descend into subdirectories (default: true)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		writeMu.Lock()
		defer writeMu.Unlock()

		kb, err := req.RequireString("kb")
		if err != nil {
			return mcp.NewToolResultError("kb is required"), nil
		}
		path, err := req.RequireString("path")
		if err != nil || strings.TrimSpace(path) == "" {
			return mcp.NewToolResultError("path is required"), nil
		}

		opts := ingest.AddOptions{
			Recursive:  req.GetBool("recursive", true),
			Separators: req.GetStringSlice("separators", nil),
		}
		if v, err := req.RequireFloat("chunk_size"); err == nil {
			opts.ChunkSize = int(v)
		}
		if v, err := req.RequireFloat("overlap_size"); err == nil {
			opts.OverlapSize = int(v)
		}

		result, err := p.Add(ctx, kb, []string{path}, opts)
		if errors.Is(err, store.ErrKnowledgeBaseNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("knowledge base %q not found", kb)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("add error: %v", err)), nil
		}
		logger.Info("documents registered",
			zap.String("kb", kb),
			zap.String("path", path),
			zap.Int("added", result.Added),
			zap.Int("skipped", result.Skipped))
		return jsonResult(result)
	})
}

func registerResetTool(s *server.MCPServer, p *ingest.Pipeline) {
	tool := mcp.NewTool("kb_reset_document",
		mcp.WithDescription("Queue a document for re-ingestion, e.g. after fixing a failed parse or embed."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("doc_id",
			mcp.Required(),
			mcp.Description("Document ID"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		writeMu.Lock()
		defer writeMu.Unlock()

		id, err := req.RequireString("doc_id")
		if err != nil {
			return mcp.NewToolResultError("doc_id is required"), nil
		}
		if err := p.Reset(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reset error: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("document %s queued for re-ingestion", id)), nil
	})
}

func registerStatsTool(s *server.MCPServer, st Store) {
	tool := mcp.NewTool("kb_stats",
		mcp.WithDescription("Knowledge base statistics: documents by ingestion state, chunk counts, vector index mode and full-text availability. Pass kb for a single knowledge base."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("kb",
			mcp.Description("Knowledge base name (default: all)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if name := req.GetString("kb", ""); name != "" {
			kb, err := st.GetKnowledgeBaseByName(ctx, name)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("knowledge base %q not found", name)), nil
			}
			kbStats, err := st.KnowledgeBaseStats(ctx, kb)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
			}
			return jsonResult(newKBStatsView(kbStats))
		}

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}
		return jsonResult(newStatsView(stats))
	})
}

func registerListTool(s *server.MCPServer, st Store) {
	tool := mcp.NewTool("kb_list",
		mcp.WithDescription("List knowledge bases with their embedding model and search settings."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kbs, err := st.ListKnowledgeBases(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list error: %v", err)), nil
		}
		return jsonResult(newKBViews(kbs))
	})
}

// --- Helpers ---

func limitResults(results []search.Result, req mcp.CallToolRequest) []search.Result {
	if v, err := req.RequireFloat("limit"); err == nil && v > 0 {
		if n := min(int(v), maxSearchResults); n < len(results) {
			return results[:n]
		}
	}
	return results
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

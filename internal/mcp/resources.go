package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/kbrag/internal/store"
)

type statsView struct {
	KnowledgeBases int            `json:"knowledge_bases"`
	Documents      int            `json:"documents"`
	Chunks         int64          `json:"chunks"`
	DBSizeBytes    int64          `json:"db_size_bytes"`
	ByState        map[string]int `json:"by_state"`
	PerKB          []kbStatsView  `json:"per_kb"`
}

type kbStatsView struct {
	Name      string   `json:"name"`
	Table     string   `json:"table"`
	Documents int      `json:"documents"`
	Chunks    int64    `json:"chunks"`
	Mode      string   `json:"vector_mode"`
	FullText  bool     `json:"full_text"`
	TopLabels []string `json:"top_labels,omitempty"`
	Created   string   `json:"created"`
}

type kbView struct {
	Name           string  `json:"name"`
	Supplier       string  `json:"supplier"`
	Model          string  `json:"model"`
	SearchStrategy string  `json:"search_strategy"`
	MaxRecall      int     `json:"max_recall"`
	RecallAccuracy float64 `json:"recall_accuracy"`
	VectorWeight   float64 `json:"vector_weight"`
	KeywordWeight  float64 `json:"keyword_weight"`
}

func newStatsView(st *store.Stats) statsView {
	v := statsView{
		KnowledgeBases: st.KnowledgeBases,
		Documents:      st.Documents,
		Chunks:         st.Chunks,
		DBSizeBytes:    st.DBSizeBytes,
		ByState:        make(map[string]int, len(st.ByState)),
		PerKB:          make([]kbStatsView, 0, len(st.PerKB)),
	}
	for state, n := range st.ByState {
		v.ByState[state.String()] = n
	}
	for i := range st.PerKB {
		v.PerKB = append(v.PerKB, newKBStatsView(&st.PerKB[i]))
	}
	return v
}

func newKBStatsView(k *store.KBStats) kbStatsView {
	v := kbStatsView{
		Name:      k.Name,
		Table:     k.Table,
		Documents: k.Documents,
		Chunks:    k.Chunks,
		Mode:      k.Mode.String(),
		FullText:  k.FullText,
		Created:   k.Created.Format(time.RFC3339),
	}
	for _, l := range k.TopLabels {
		v.TopLabels = append(v.TopLabels, l.Label)
	}
	return v
}

func newKBViews(kbs []*store.KnowledgeBase) []kbView {
	out := make([]kbView, 0, len(kbs))
	for _, kb := range kbs {
		out = append(out, kbView{
			Name:           kb.Name,
			Supplier:       kb.Supplier,
			Model:          kb.Model,
			SearchStrategy: string(kb.SearchStrategy),
			MaxRecall:      kb.MaxRecall,
			RecallAccuracy: kb.RecallAccuracy,
			VectorWeight:   kb.VectorWeight,
			KeywordWeight:  kb.KeywordWeight,
		})
	}
	return out
}

func registerStatsResource(s *server.MCPServer, st Store) {
	resource := mcp.NewResource(
		"kbrag://stats",
		"Store Statistics",
		mcp.WithResourceDescription("Document, chunk and index statistics across every knowledge base."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}
		return jsonResource(req.Params.URI, newStatsView(stats))
	})
}

func registerKnowledgeBasesResource(s *server.MCPServer, st Store) {
	resource := mcp.NewResource(
		"kbrag://knowledge-bases",
		"Knowledge Bases",
		mcp.WithResourceDescription("Every knowledge base with its embedding model and search settings."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		kbs, err := st.ListKnowledgeBases(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing knowledge bases: %w", err)
		}
		return jsonResource(req.Params.URI, newKBViews(kbs))
	})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

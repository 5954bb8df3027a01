// Package ingest moves documents through the ingestion lifecycle:
//
//	Unparsed -> Parsed -> Embedded
//
// with ParseFailed reachable from both steps. A cycle parses every Unparsed
// document, chunks and embeds every Parsed one, then rebuilds the full-text
// index and optimizes each knowledge base it touched. Failures are recorded
// on the document and never stop the cycle.
package ingest

import (
	"context"
	"time"

	"github.com/hurttlocker/kbrag/internal/parse"
	"github.com/hurttlocker/kbrag/internal/store"
)

// Store is the subset of the store the pipeline writes to.
type Store interface {
	GetKnowledgeBase(ctx context.Context, id string) (*store.KnowledgeBase, error)
	GetKnowledgeBaseByName(ctx context.Context, name string) (*store.KnowledgeBase, error)
	AddDocument(ctx context.Context, d *store.Document) error
	ListDocuments(ctx context.Context, kbID string) ([]*store.Document, error)
	ListDocumentsByState(ctx context.Context, kbID string, state store.ParseState) ([]*store.Document, error)
	UpdateDocument(ctx context.Context, d *store.Document) error
	SetDocumentState(ctx context.Context, id string, state store.ParseState) error
	ParsedContents(ctx context.Context, kbID string) ([]string, error)

	EnsureChunkTable(ctx context.Context, table string) error
	DeleteDocumentChunks(ctx context.Context, table, docID string) error
	InsertChunks(ctx context.Context, table string, chunks []*store.Chunk) error
	RebuildFullText(ctx context.Context, table string) error
	EscalateIfNeeded(ctx context.Context, table string) (bool, error)
	Optimize(ctx context.Context, table string) error
	DataDir() string
}

// Parser turns a source file into text.
type Parser interface {
	Parse(ctx context.Context, path string) (*parse.Result, error)
}

// Embedder turns chunk text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc returns the embedder configured for a knowledge base.
type EmbedderFunc func(kb *store.KnowledgeBase) (Embedder, error)

// Phase names used in reports and events.
const (
	PhaseParse = "parse"
	PhaseEmbed = "embed"
	PhaseIndex = "index"
)

// CycleReport summarizes one pipeline cycle.
type CycleReport struct {
	Started        time.Time  `json:"started"`
	Duration       string     `json:"duration"`
	Parsed         int        `json:"parsed"`
	Embedded       int        `json:"embedded"`
	Failed         int        `json:"failed"`
	Chunks         int        `json:"chunks"`
	KnowledgeBases []string   `json:"knowledge_bases"`
	Escalated      []string   `json:"escalated,omitempty"`
	Errors         []DocError `json:"errors,omitempty"`
}

// Add merges another report into this one.
func (r *CycleReport) Add(other *CycleReport) {
	r.Parsed += other.Parsed
	r.Embedded += other.Embedded
	r.Failed += other.Failed
	r.Chunks += other.Chunks
	r.KnowledgeBases = append(r.KnowledgeBases, other.KnowledgeBases...)
	r.Escalated = append(r.Escalated, other.Escalated...)
	r.Errors = append(r.Errors, other.Errors...)
}

// DocError records a non-fatal per-document failure.
type DocError struct {
	DocID   string `json:"doc_id"`
	Name    string `json:"name"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

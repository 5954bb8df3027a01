package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hurttlocker/kbrag/internal/store"
)

// Collector expands paths into parseable files.
type Collector interface {
	Collect(paths []string, recursive bool) ([]string, error)
}

// AddOptions configures how new documents are registered and later chunked.
type AddOptions struct {
	Recursive   bool
	ChunkSize   int      // 0 uses the chunker default
	OverlapSize int      // 0 uses the chunker default
	Separators  []string // literal or /regex/ rules
	ProgressFn  func(current, total int, file string)
}

// AddResult summarizes an Add call.
type AddResult struct {
	FilesScanned int        `json:"files_scanned"`
	Added        int        `json:"added"`
	Skipped      int        `json:"skipped"`
	DocumentIDs  []string   `json:"document_ids"`
	Errors       []DocError `json:"errors,omitempty"`
}

// Add registers files as Unparsed documents of the named knowledge base.
// Files already registered under the same source path are skipped. The
// next cycle parses and embeds them.
func (p *Pipeline) Add(ctx context.Context, kbName string, paths []string, opts AddOptions) (*AddResult, error) {
	kb, err := p.store.GetKnowledgeBaseByName(ctx, kbName)
	if err != nil {
		return nil, err
	}

	files := paths
	if c, ok := p.parser.(Collector); ok {
		if files, err = c.Collect(paths, opts.Recursive); err != nil {
			return nil, fmt.Errorf("collecting files: %w", err)
		}
	}

	existing, err := p.store.ListDocuments(ctx, kb.ID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(existing))
	for _, d := range existing {
		known[d.SourcePath] = true
	}

	result := &AddResult{}
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.FilesScanned++
		if opts.ProgressFn != nil {
			opts.ProgressFn(i+1, len(files), path)
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if known[abs] {
			result.Skipped++
			continue
		}
		if info, err := os.Stat(abs); err != nil || info.IsDir() {
			msg := "not a regular file"
			if err != nil {
				msg = err.Error()
			}
			result.Errors = append(result.Errors, DocError{Name: filepath.Base(abs), Phase: "add", Message: msg})
			continue
		}

		d := newDocument(kb.ID, abs, opts)
		if err := p.store.AddDocument(ctx, d); err != nil {
			result.Errors = append(result.Errors, DocError{Name: d.Name, Phase: "add", Message: err.Error()})
			continue
		}
		known[abs] = true
		result.Added++
		result.DocumentIDs = append(result.DocumentIDs, d.ID)
	}
	return result, nil
}

func newDocument(kbID, path string, opts AddOptions) *store.Document {
	var seps []string
	for _, sep := range opts.Separators {
		if sep != "" {
			seps = append(seps, sep)
		}
	}
	return &store.Document{
		Name:            filepath.Base(path),
		SourcePath:      path,
		KnowledgeBaseID: kbID,
		State:           store.StateUnparsed,
		Separators:      seps,
		ChunkSize:       opts.ChunkSize,
		OverlapSize:     opts.OverlapSize,
	}
}

package search

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hurttlocker/kbrag/internal/store"
)

// promoteCoverage is the share of a document that retrieved chunks must
// cover before the whole document is returned instead.
const promoteCoverage = 0.10

// finish promotes well-covered documents, then resolves names and URLs.
func (e *Engine) finish(ctx context.Context, results []Result) []Result {
	if len(results) == 0 {
		return results
	}
	docs := e.documents(ctx, results)
	results = promote(results, docs)
	return e.annotate(results, docs)
}

// resolve fills document names and URLs without promotion.
func (e *Engine) resolve(ctx context.Context, results []Result) []Result {
	if len(results) == 0 {
		return results
	}
	return e.annotate(results, e.documents(ctx, results))
}

func (e *Engine) documents(ctx context.Context, results []Result) map[string]*store.Document {
	ids := make([]string, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		if !seen[r.DocID] {
			seen[r.DocID] = true
			ids = append(ids, r.DocID)
		}
	}
	docs, err := e.store.GetDocuments(ctx, ids)
	if err != nil {
		e.logger.Warn("resolving result documents", zap.Error(err))
		return map[string]*store.Document{}
	}
	return docs
}

// promote replaces every chunk of a document with the full document text
// when the chunks together cover at least promoteCoverage of it. Only the
// first result of a promoted document is kept, at its position.
func promote(results []Result, docs map[string]*store.Document) []Result {
	covered := make(map[string]int)
	for _, r := range results {
		covered[r.DocID] += utf8.RuneCountInString(r.Content)
	}

	promoted := make(map[string]bool)
	for id, n := range covered {
		d, ok := docs[id]
		if !ok || d.Content == "" {
			continue
		}
		if float64(n) >= promoteCoverage*float64(d.ContentLength()) {
			promoted[id] = true
		}
	}
	if len(promoted) == 0 {
		return results
	}

	out := results[:0:0]
	emitted := make(map[string]bool)
	for _, r := range results {
		if promoted[r.DocID] {
			if emitted[r.DocID] {
				continue
			}
			emitted[r.DocID] = true
			r.Content = docs[r.DocID].Content
			r.Promoted = true
		}
		out = append(out, r)
	}
	return out
}

func (e *Engine) annotate(results []Result, docs map[string]*store.Document) []Result {
	base := ""
	if e.baseURL != nil {
		base = strings.TrimRight(e.baseURL(), "/")
	}
	for i := range results {
		if d, ok := docs[results[i].DocID]; ok {
			results[i].DocName = d.Name
			results[i].SourcePath = d.SourcePath
		}
		if base != "" {
			results[i].Content = strings.ReplaceAll(results[i].Content, BaseURLPlaceholder, base)
		}
	}
	return results
}

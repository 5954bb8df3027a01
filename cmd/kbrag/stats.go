package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/hurttlocker/kbrag/internal/store"
)

func runStats(ctx context.Context, g *globalFlags, args []string) error {
	if len(args) > 0 {
		return usageError("kbrag stats takes no arguments")
	}
	cfg, err := resolve(g, "", "")
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	if g.JSON {
		return printJSON(statsJSON(st))
	}

	fmt.Printf("Database:        %s (%s)\n", cfg.DBPath.Value, humanize.Bytes(uint64(st.DBSizeBytes)))
	fmt.Printf("Knowledge bases: %s\n", humanize.Comma(int64(st.KnowledgeBases)))
	fmt.Printf("Documents:       %s (%s)\n", humanize.Comma(int64(st.Documents)), stateSummary(st.ByState))
	fmt.Printf("Chunks:          %s\n", humanize.Comma(st.Chunks))
	if len(st.PerKB) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KB\tDOCS\tCHUNKS\tVECTORS\tFULL-TEXT\tTOP LABELS\tCREATED")
	for _, k := range st.PerKB {
		labels := make([]string, 0, len(k.TopLabels))
		for _, l := range k.TopLabels {
			labels = append(labels, l.Label)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			k.Name, k.Documents, humanize.Comma(k.Chunks), k.Mode, yesNo(k.FullText),
			strings.Join(labels, ", "), humanize.Time(k.Created))
	}
	return w.Flush()
}

func stateSummary(byState map[store.ParseState]int) string {
	if len(byState) == 0 {
		return "none"
	}
	states := make([]store.ParseState, 0, len(byState))
	for s := range byState {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] > states[j] })
	parts := make([]string, 0, len(states))
	for _, s := range states {
		parts = append(parts, fmt.Sprintf("%d %s", byState[s], s))
	}
	return strings.Join(parts, ", ")
}

func statsJSON(st *store.Stats) map[string]any {
	byState := make(map[string]int, len(st.ByState))
	for s, n := range st.ByState {
		byState[s.String()] = n
	}
	perKB := make([]map[string]any, 0, len(st.PerKB))
	for _, k := range st.PerKB {
		labels := make([]string, 0, len(k.TopLabels))
		for _, l := range k.TopLabels {
			labels = append(labels, l.Label)
		}
		perKB = append(perKB, map[string]any{
			"name":        k.Name,
			"table":       k.Table,
			"documents":   k.Documents,
			"chunks":      k.Chunks,
			"vector_mode": k.Mode.String(),
			"full_text":   k.FullText,
			"top_labels":  labels,
			"created":     k.Created,
		})
	}
	return map[string]any{
		"knowledge_bases": st.KnowledgeBases,
		"documents":       st.Documents,
		"chunks":          st.Chunks,
		"db_size_bytes":   st.DBSizeBytes,
		"by_state":        byState,
		"per_kb":          perKB,
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

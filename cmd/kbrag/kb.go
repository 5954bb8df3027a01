package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/hurttlocker/kbrag/internal/chunk"
	"github.com/hurttlocker/kbrag/internal/store"
)

func runKB(ctx context.Context, g *globalFlags, args []string) error {
	if len(args) == 0 {
		return usageError("kbrag kb <create|list|update|labels|delete> ...")
	}
	switch args[0] {
	case "create":
		return runKBCreate(ctx, g, args[1:])
	case "list", "ls":
		return runKBList(ctx, g)
	case "update":
		return runKBUpdate(ctx, g, args[1:])
	case "labels":
		return runKBLabels(ctx, g, args[1:])
	case "delete", "rm":
		return runKBDelete(ctx, g, args[1:])
	}
	return usageError("unknown kb subcommand %q", args[0])
}

func runKBCreate(ctx context.Context, g *globalFlags, args []string) error {
	cfg, err := resolve(g, "", "")
	if err != nil {
		return err
	}
	supplier, model := cfg.EmbedSupplierModel()
	kb := &store.KnowledgeBase{
		Supplier:       supplier,
		Model:          model,
		MaxRecall:      cfg.MaxRecall.Int(0),
		RecallAccuracy: cfg.RecallAccuracy.Float(0),
		VectorWeight:   cfg.VectorWeight.Float(0),
		KeywordWeight:  cfg.KeywordWeight.Float(0),
	}
	strategy := cfg.SearchStrategy.Value

	for i := 0; i < len(args); i++ {
		ok, err := settingFlag(args, &i, kb, &strategy)
		switch {
		case err != nil:
			return err
		case ok:
		case strings.HasPrefix(args[i], "-"):
			return unknownFlag(args[i])
		case kb.Name == "":
			kb.Name = args[i]
		default:
			return usageError("unexpected argument: %s", args[i])
		}
	}
	if kb.Name == "" {
		return usageError("kbrag kb create <name> [--embed supplier/model] [--strategy hybrid|vector|keyword]")
	}
	if kb.SearchStrategy, err = store.ParseStrategy(strategy); err != nil {
		return err
	}
	if kb.SearchStrategy != store.StrategyKeyword && (kb.Supplier == "" || kb.Model == "") {
		return fmt.Errorf("strategy %s needs an embedding model: pass --embed supplier/model or set KBRAG_EMBED", kb.SearchStrategy)
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.CreateKnowledgeBase(ctx, kb); err != nil {
		return err
	}
	if g.JSON {
		return printJSON(kbJSON(kb))
	}
	fmt.Printf("Created knowledge base %q (%s, table %s)\n", kb.Name, kb.SearchStrategy, kb.Table())
	return nil
}

func runKBList(ctx context.Context, g *globalFlags) error {
	cfg, err := resolve(g, "", "")
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	kbs, err := a.store.ListKnowledgeBases(ctx)
	if err != nil {
		return err
	}
	if g.JSON {
		out := make([]map[string]any, 0, len(kbs))
		for _, kb := range kbs {
			out = append(out, kbJSON(kb))
		}
		return printJSON(out)
	}
	if len(kbs) == 0 {
		fmt.Println("No knowledge bases. Create one with: kbrag kb create <name>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODEL\tSTRATEGY\tRECALL\tWEIGHTS\tCREATED")
	for _, kb := range kbs {
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\t%.2f/%.2f\t%s\n",
			kb.Name, kb.Supplier, kb.Model, kb.SearchStrategy, kb.MaxRecall,
			kb.VectorWeight, kb.KeywordWeight, humanize.Time(kb.CreatedAt))
	}
	return w.Flush()
}

// settingFlag applies a knowledge-base setting flag at args[*i] to kb.
// strategy receives the raw --strategy value.
func settingFlag(args []string, i *int, kb *store.KnowledgeBase, strategy *string) (bool, error) {
	var err error
	if v, ok := flagArg(args, i, "--strategy"); ok {
		*strategy = v
	} else if v, ok := flagArg(args, i, "--max-recall"); ok {
		if kb.MaxRecall, err = strconv.Atoi(v); err != nil {
			return true, usageError("--max-recall: %v", err)
		}
	} else if v, ok := flagArg(args, i, "--recall-accuracy"); ok {
		if kb.RecallAccuracy, err = strconv.ParseFloat(v, 64); err != nil {
			return true, usageError("--recall-accuracy: %v", err)
		}
	} else if v, ok := flagArg(args, i, "--vector-weight"); ok {
		if kb.VectorWeight, err = strconv.ParseFloat(v, 64); err != nil {
			return true, usageError("--vector-weight: %v", err)
		}
	} else if v, ok := flagArg(args, i, "--keyword-weight"); ok {
		if kb.KeywordWeight, err = strconv.ParseFloat(v, 64); err != nil {
			return true, usageError("--keyword-weight: %v", err)
		}
	} else {
		return false, nil
	}
	return true, nil
}

// runKBUpdate changes search settings of an existing knowledge base. The
// embedding model stays fixed since stored vectors depend on it.
func runKBUpdate(ctx context.Context, g *globalFlags, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return usageError("kbrag kb update <name> [--strategy s] [--max-recall n] [--vector-weight f] ...")
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

	kb, err := a.store.GetKnowledgeBaseByName(ctx, args[0])
	if err != nil {
		return err
	}
	strategy := string(kb.SearchStrategy)
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		ok, err := settingFlag(rest, &i, kb, &strategy)
		if err != nil {
			return err
		}
		if !ok {
			return unknownFlag(rest[i])
		}
	}
	if kb.SearchStrategy, err = store.ParseStrategy(strategy); err != nil {
		return err
	}
	if kb.SearchStrategy != store.StrategyKeyword && (kb.Supplier == "" || kb.Model == "") {
		return fmt.Errorf("strategy %s needs an embedding model, and %q was created without one", kb.SearchStrategy, kb.Name)
	}
	if err := a.store.UpdateKnowledgeBase(ctx, kb); err != nil {
		return err
	}
	if g.JSON {
		return printJSON(kbJSON(kb))
	}
	fmt.Printf("Updated knowledge base %q (%s, recall %d, weights %.2f/%.2f)\n",
		kb.Name, kb.SearchStrategy, kb.MaxRecall, kb.VectorWeight, kb.KeywordWeight)
	return nil
}

// runKBLabels prints the most common chunk labels of a knowledge base, or
// the chunks carrying one label.
func runKBLabels(ctx context.Context, g *globalFlags, args []string) error {
	limit := 20
	var pos []string
	for i := 0; i < len(args); i++ {
		if v, ok := flagArg(args, &i, "--limit"); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return usageError("--limit must be a positive integer")
			}
			limit = n
		} else if strings.HasPrefix(args[i], "-") {
			return unknownFlag(args[i])
		} else {
			pos = append(pos, args[i])
		}
	}
	if len(pos) == 0 || len(pos) > 2 {
		return usageError("kbrag kb labels <name> [label] [--limit n]")
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

	kb, err := a.store.GetKnowledgeBaseByName(ctx, pos[0])
	if err != nil {
		return err
	}

	if len(pos) == 1 {
		labels, err := a.store.TopLabels(ctx, kb.Table(), limit)
		if errors.Is(err, store.ErrTableNotFound) {
			labels, err = nil, nil
		}
		if err != nil {
			return err
		}
		if g.JSON {
			out := make([]map[string]any, 0, len(labels))
			for _, lc := range labels {
				out = append(out, map[string]any{"label": lc.Label, "chunks": lc.Count})
			}
			return printJSON(out)
		}
		if len(labels) == 0 {
			fmt.Printf("No labels in %q yet. Run: kbrag run --once\n", kb.Name)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LABEL\tCHUNKS")
		for _, lc := range labels {
			fmt.Fprintf(w, "%s\t%s\n", lc.Label, humanize.Comma(lc.Count))
		}
		return w.Flush()
	}

	chunks, err := a.store.ChunksByLabel(ctx, kb.Table(), pos[1])
	if errors.Is(err, store.ErrTableNotFound) {
		chunks, err = nil, nil
	}
	if err != nil {
		return err
	}
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	if g.JSON {
		out := make([]map[string]any, 0, len(chunks))
		for _, c := range chunks {
			out = append(out, map[string]any{
				"chunk_id": c.ID,
				"doc_id":   c.DocID,
				"keywords": c.Keywords,
				"content":  chunk.StripTag(c.Doc),
			})
		}
		return printJSON(out)
	}
	if len(chunks) == 0 {
		fmt.Printf("No chunks labeled %q in %q.\n", pos[1], kb.Name)
		return nil
	}
	for i, c := range chunks {
		fmt.Printf("%d. %s  (doc %s)\n", i+1, c.ID, c.DocID)
		fmt.Printf("   %s\n\n", snippet(chunk.StripTag(c.Doc), 240))
	}
	return nil
}

func runKBDelete(ctx context.Context, g *globalFlags, args []string) error {
	if len(args) != 1 {
		return usageError("kbrag kb delete <name>")
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

	kb, err := a.store.GetKnowledgeBaseByName(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.store.DeleteKnowledgeBase(ctx, kb.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted knowledge base %q\n", kb.Name)
	return nil
}

func kbJSON(kb *store.KnowledgeBase) map[string]any {
	return map[string]any{
		"id":              kb.ID,
		"name":            kb.Name,
		"table":           kb.Table(),
		"supplier":        kb.Supplier,
		"model":           kb.Model,
		"search_strategy": kb.SearchStrategy,
		"max_recall":      kb.MaxRecall,
		"recall_accuracy": kb.RecallAccuracy,
		"vector_weight":   kb.VectorWeight,
		"keyword_weight":  kb.KeywordWeight,
		"created_at":      kb.CreatedAt,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

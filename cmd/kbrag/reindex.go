package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hurttlocker/kbrag/internal/store"
)

// runReindex brings one knowledge base's chunk table up to date: schema
// migration, full-text rebuild, approximate index escalation and optimize.
// --retry-failed also queues ParseFailed documents and runs a cycle.
func runReindex(ctx context.Context, g *globalFlags, args []string) error {
	var kbName string
	retry := false
	for _, arg := range args {
		switch {
		case arg == "--retry-failed":
			retry = true
		case len(arg) > 1 && arg[0] == '-':
			return unknownFlag(arg)
		case kbName == "":
			kbName = arg
		default:
			return usageError("unexpected argument: %s", arg)
		}
	}
	if kbName == "" {
		return usageError("kbrag reindex <kb> [--retry-failed]")
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

	kb, err := a.store.GetKnowledgeBaseByName(ctx, kbName)
	if err != nil {
		return err
	}

	if retry {
		failed, err := a.store.ListDocumentsByState(ctx, kb.ID, store.StateParseFailed)
		if err != nil {
			return err
		}
		for _, d := range failed {
			if err := a.pipeline.Reset(ctx, d.ID); err != nil {
				return err
			}
		}
		fmt.Printf("Queued %d failed documents\n", len(failed))
		report, err := a.pipeline.RunCycle(ctx)
		if err != nil {
			return err
		}
		printCycleReport(report)
	}

	table := kb.Table()
	exists, err := a.store.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("Knowledge base %q has no chunks yet\n", kb.Name)
		return nil
	}

	if err := a.store.MigrateTable(ctx, table); err != nil {
		return fmt.Errorf("migrating %s: %w", table, err)
	}
	if err := a.store.RebuildFullText(ctx, table); err != nil {
		return fmt.Errorf("rebuilding full-text index: %w", err)
	}
	// A failed approximate build leaves the table on flat search.
	escalated, err := a.store.EscalateIfNeeded(ctx, table)
	if err != nil {
		fmt.Printf("Warning: approximate index not built: %v\n", err)
	}
	if err := a.store.Optimize(ctx, table); err != nil && !errors.Is(err, store.ErrOptimizeInProgress) {
		return fmt.Errorf("optimizing: %w", err)
	}

	fmt.Printf("Reindexed %q (%s vectors", kb.Name, a.store.VectorMode(table))
	if escalated {
		fmt.Print(", newly approximate")
	}
	fmt.Println(")")
	return nil
}

func runReset(ctx context.Context, g *globalFlags, args []string) error {
	if len(args) == 0 {
		return usageError("kbrag reset <doc-id...>")
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

	for _, id := range args {
		if err := a.pipeline.Reset(ctx, id); err != nil {
			return fmt.Errorf("resetting %s: %w", id, err)
		}
		fmt.Printf("Queued %s for re-ingestion\n", id)
	}
	return nil
}

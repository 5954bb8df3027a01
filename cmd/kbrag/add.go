package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hurttlocker/kbrag/internal/ingest"
)

func runAdd(ctx context.Context, g *globalFlags, args []string) error {
	var (
		kbName string
		paths  []string
		opts   ingest.AddOptions
		err    error
	)
	for i := 0; i < len(args); i++ {
		if args[i] == "--recursive" || args[i] == "-r" {
			opts.Recursive = true
		} else if v, ok := flagArg(args, &i, "--chunk-size"); ok {
			if opts.ChunkSize, err = strconv.Atoi(v); err != nil {
				return usageError("--chunk-size: %v", err)
			}
		} else if v, ok := flagArg(args, &i, "--overlap"); ok {
			if opts.OverlapSize, err = strconv.Atoi(v); err != nil {
				return usageError("--overlap: %v", err)
			}
		} else if v, ok := flagArg(args, &i, "--separators"); ok {
			opts.Separators = splitList(v)
		} else if strings.HasPrefix(args[i], "-") {
			return unknownFlag(args[i])
		} else if kbName == "" {
			kbName = args[i]
		} else {
			paths = append(paths, args[i])
		}
	}
	if kbName == "" || len(paths) == 0 {
		return usageError("kbrag add <kb> <path...> [--recursive] [--chunk-size n] [--overlap n] [--separators a,b]")
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

	if !g.JSON {
		opts.ProgressFn = func(current, total int, file string) {
			fmt.Printf("  [%d/%d] %s\n", current, total, file)
		}
	}
	result, err := a.pipeline.Add(ctx, kbName, paths, opts)
	if err != nil {
		return err
	}
	if g.JSON {
		return printJSON(result)
	}

	fmt.Printf("\nScanned %d files: %d added, %d already registered\n", result.FilesScanned, result.Added, result.Skipped)
	for _, e := range result.Errors {
		fmt.Printf("  skipped %s: %s\n", e.Name, e.Message)
	}
	if result.Added > 0 {
		fmt.Println("Documents are ingested by `kbrag run`.")
	}
	return nil
}

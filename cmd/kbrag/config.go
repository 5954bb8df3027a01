package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/hurttlocker/kbrag/internal/config"
)

// runConfig prints the resolved configuration with the source of each value.
func runConfig(ctx context.Context, g *globalFlags, args []string) error {
	var interval, addr string
	for i := 0; i < len(args); i++ {
		if v, ok := flagArg(args, &i, "--interval"); ok {
			interval = v
		} else if v, ok := flagArg(args, &i, "--addr"); ok {
			addr = v
		} else {
			return unknownFlag(args[i])
		}
	}
	cfg, err := resolve(g, interval, addr)
	if err != nil {
		return err
	}
	if cfg.EmbedAPIKey.Value != "" {
		cfg.EmbedAPIKey.Value = maskSecret(cfg.EmbedAPIKey.Value)
	}
	if g.JSON {
		return printJSON(cfg)
	}

	fmt.Printf("Config file: %s\n", cfg.ConfigPath)
	if cfg.EnvFile != "" {
		fmt.Printf("Env file:    %s\n", cfg.EnvFile)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	for _, row := range []struct {
		key string
		v   config.ResolvedValue
	}{
		{"data_dir", cfg.DataDir},
		{"db_path", cfg.DBPath},
		{"cache_dir", cfg.CacheDir},
		{"embed.provider", cfg.EmbedProvider},
		{"embed.endpoint", cfg.EmbedEndpoint},
		{"embed.api_key", cfg.EmbedAPIKey},
		{"embed.dimensions", cfg.Dimensions},
		{"embed.approx_threshold", cfg.ApproxThreshold},
		{"pipeline.interval", cfg.Interval},
		{"pipeline.abstract_length", cfg.AbstractLength},
		{"pipeline.keyword_count", cfg.KeywordCount},
		{"server.addr", cfg.ServerAddr},
		{"search.strategy", cfg.SearchStrategy},
		{"search.max_recall", cfg.MaxRecall},
		{"search.recall_accuracy", cfg.RecallAccuracy},
		{"search.vector_weight", cfg.VectorWeight},
		{"search.keyword_weight", cfg.KeywordWeight},
	} {
		if row.v.Value == "" {
			continue
		}
		src := string(row.v.Source)
		if row.v.From != "" && row.v.Source != config.SourceDefault {
			src += " (" + row.v.From + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", row.key, row.v.Value, src)
	}
	return w.Flush()
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "…" + s[len(s)-4:]
}

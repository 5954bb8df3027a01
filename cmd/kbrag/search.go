package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hurttlocker/kbrag/internal/search"
)

func runSearch(ctx context.Context, g *globalFlags, args []string) error {
	var (
		kbName   string
		terms    []string
		keywords []string
		fulltext bool
		limit    int
		err      error
	)
	for i := 0; i < len(args); i++ {
		if args[i] == "--fulltext" {
			fulltext = true
		} else if v, ok := flagArg(args, &i, "--keywords"); ok {
			keywords = splitList(v)
		} else if v, ok := flagArg(args, &i, "--limit"); ok {
			if limit, err = strconv.Atoi(v); err != nil {
				return usageError("--limit: %v", err)
			}
		} else if strings.HasPrefix(args[i], "--") {
			return unknownFlag(args[i])
		} else if kbName == "" {
			kbName = args[i]
		} else {
			terms = append(terms, args[i])
		}
	}
	query := strings.TrimSpace(strings.Join(terms, " "))
	if kbName == "" || query == "" {
		return usageError("kbrag search <kb> <query> [--keywords a,b] [--fulltext] [--limit n]")
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

	var results []search.Result
	if fulltext {
		if limit <= 0 {
			limit = 10
		}
		results, err = a.search.FullText(ctx, kbName, query, limit)
	} else {
		results, err = a.search.Search(ctx, kbName, query, keywords)
		if err == nil && limit > 0 && len(results) > limit {
			results = results[:limit]
		}
	}
	if err != nil {
		return err
	}

	if g.JSON {
		return printJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}
	for i, r := range results {
		name := r.DocName
		if name == "" {
			name = r.DocID
		}
		label := r.MatchType
		if r.Promoted {
			label += ", whole document"
		}
		fmt.Printf("%d. %s  score %.3f (%s)\n", i+1, name, r.Score, label)
		fmt.Printf("   %s\n\n", snippet(r.Content, 240))
	}
	return nil
}

// snippet flattens whitespace and truncates to n runes.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

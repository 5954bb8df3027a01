package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hurttlocker/kbrag/internal/ingest"
)

var version = "0.1.0-dev"

// errUsage marks errors that should be followed by the usage text.
var errUsage = errors.New("usage")

type command func(ctx context.Context, g *globalFlags, args []string) error

var commands = map[string]command{
	"add":     runAdd,
	"kb":      runKB,
	"run":     runRun,
	"search":  runSearch,
	"reindex": runReindex,
	"reset":   runReset,
	"stats":   runStats,
	"mcp":     runMCP,
	"config":  runConfig,
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := os.Args[1]
	switch name {
	case "version", "--version", "-v":
		fmt.Printf("kbrag %s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		printUsage()
		os.Exit(1)
	}

	g, rest, err := parseGlobalFlags(os.Args[2:])
	if err == nil {
		err = cmd(ctx, g, rest)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr)
			printUsage()
		}
		os.Exit(1)
	}
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

// globalFlags are accepted by every command.
type globalFlags struct {
	ConfigPath string
	EnvFile    string
	DataDir    string
	DBPath     string
	Embed      string
	JSON       bool
}

// parseGlobalFlags strips the global flags out of args and returns the rest
// in order.
func parseGlobalFlags(args []string) (*globalFlags, []string, error) {
	g := &globalFlags{}
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--json" {
			g.JSON = true
			continue
		}
		matched := false
		for _, f := range []struct {
			name string
			dst  *string
		}{
			{"--config", &g.ConfigPath},
			{"--env-file", &g.EnvFile},
			{"--data-dir", &g.DataDir},
			{"--db", &g.DBPath},
			{"--embed", &g.Embed},
		} {
			v, next, ok, err := flagValue(args, i, f.name)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				*f.dst, i, matched = v, next, true
				break
			}
		}
		if !matched {
			rest = append(rest, arg)
		}
	}
	return g, rest, nil
}

// flagValue matches "--name value" and "--name=value" at args[i]. It returns
// the value and the index of the last consumed argument.
func flagValue(args []string, i int, name string) (string, int, bool, error) {
	arg := args[i]
	if strings.HasPrefix(arg, name+"=") {
		return strings.TrimPrefix(arg, name+"="), i, true, nil
	}
	if arg != name {
		return "", i, false, nil
	}
	if i+1 >= len(args) {
		return "", i, false, usageError("%s requires a value", name)
	}
	return args[i+1], i + 1, true, nil
}

// flagArg is flagValue for command loops: on a match it advances *i past
// the value. A flag missing its value does not match.
func flagArg(args []string, i *int, name string) (string, bool) {
	v, next, ok, err := flagValue(args, *i, name)
	if err != nil || !ok {
		return "", false
	}
	*i = next
	return v, true
}

func unknownFlag(arg string) error {
	return usageError("unknown flag or missing value: %s", arg)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printCycleReport(r *ingest.CycleReport) {
	fmt.Printf("Parsed %d, embedded %d, failed %d (%d chunks) in %s\n",
		r.Parsed, r.Embedded, r.Failed, r.Chunks, r.Duration)
	for _, name := range r.Escalated {
		fmt.Printf("  %s switched to the approximate vector index\n", name)
	}
	for _, e := range r.Errors {
		fmt.Printf("  [%s] %s: %s\n", e.Phase, e.Name, e.Message)
	}
}

func printUsage() {
	fmt.Printf(`kbrag %s: local hybrid retrieval over knowledge bases

Usage:
  kbrag <command> [arguments]

Commands:
  kb create <name>          Create a knowledge base
  kb list                   List knowledge bases
  kb update <name>          Change search settings (same flags as kb create)
  kb labels <name> [label]  Show top chunk labels, or the chunks carrying a label
  kb delete <name>          Delete a knowledge base, its documents and chunks
  add <kb> <path...>        Register files or directories with a knowledge base
  run                       Run the ingestion pipeline and the local file server
  search <kb> <query>       Hybrid search a knowledge base
  reindex <kb>              Migrate, rebuild and optimize a knowledge base's indexes
  reset <doc-id...>         Queue documents for re-ingestion
  stats                     Show store statistics
  mcp                       Serve MCP tools over stdio
  config                    Show resolved configuration and where each value came from
  version                   Print version

KB Create Flags:
  --strategy <s>            hybrid (default), vector or keyword
  --max-recall <n>          Results per search (default 5)
  --recall-accuracy <f>     Approximate-mode score floor
  --vector-weight <f>       Hybrid vector weight (default 0.7)
  --keyword-weight <f>      Hybrid keyword weight (default 0.3)

Add Flags:
  -r, --recursive           Descend into subdirectories
  --chunk-size <n>          Maximum chunk length (default 1000)
  --overlap <n>             Characters shared by adjacent chunks (default 100)
  --separators <a,b>        Split rules; /regex/ for patterns

Run Flags:
  --interval <d>            Cycle interval (default 3s)
  --addr <host:port>        File server address (default 127.0.0.1:0)
  --once                    Run a single cycle and exit
  --no-server               Do not start the file server

Search Flags:
  --keywords <a,b>          Keywords for the keyword signal
  --fulltext                BM25 full-text search instead of hybrid
  --limit <n>               Maximum results

Reindex Flags:
  --retry-failed            Queue failed documents and run a cycle

Global Flags:
  --config <path>           Config file (default ~/.kbrag/config.yaml)
  --env-file <path>         .env file (default ./.env)
  --data-dir <dir>          Data directory (default ~/.kbrag)
  --db <path>               Database path (default <data-dir>/kbrag.db)
  --embed <supplier/model>  Embedding model for new knowledge bases
  --json                    JSON output
`, version)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/hurttlocker/kbrag/internal/config"
	"github.com/hurttlocker/kbrag/internal/fileserver"
	"github.com/hurttlocker/kbrag/internal/ingest"
)

func runRun(ctx context.Context, g *globalFlags, args []string) error {
	var interval, addr string
	once, serve := false, true
	for i := 0; i < len(args); i++ {
		if args[i] == "--once" {
			once = true
		} else if args[i] == "--no-server" {
			serve = false
		} else if v, ok := flagArg(args, &i, "--interval"); ok {
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
	a, err := openApp(cfg, ingest.WithEvents(64))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if serve {
		a.files = fileserver.New(fileserver.Config{
			Addr:     cfg.ServerAddr.Value,
			DataDir:  cfg.DataDir.Value,
			Searcher: a.search,
			Stats:    a.store,
			Logger:   a.logger.Named("files"),
		})
		if err := a.files.Start(ctx); err != nil {
			return err
		}
		defer a.files.Close()
		if !g.JSON {
			fmt.Printf("Serving documents at %s\n", a.files.BaseURL())
		}
	}

	events := a.pipeline.Events()
	if once {
		return runOnce(ctx, a, events, g.JSON)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				printEvent(ev, g.JSON)
			}
		}
	}()

	every := cfg.Interval.Duration(config.DefaultInterval)
	a.logger.Info("ingestion pipeline started", zap.Duration("interval", every))
	a.pipeline.Start(ctx, every)
	return nil
}

// runOnce runs a single cycle, printing its events as they arrive.
func runOnce(ctx context.Context, a *app, events <-chan ingest.Event, asJSON bool) error {
	type outcome struct {
		report *ingest.CycleReport
		err    error
	}
	res := make(chan outcome, 1)
	go func() {
		report, err := a.pipeline.RunCycle(ctx)
		res <- outcome{report, err}
	}()

	for {
		select {
		case ev := <-events:
			printEvent(ev, asJSON)
		case out := <-res:
			// Every event was delivered before RunCycle returned; flush the buffer.
			for drained := false; !drained; {
				select {
				case ev := <-events:
					printEvent(ev, asJSON)
				default:
					drained = true
				}
			}
			if out.err != nil {
				return out.err
			}
			if asJSON {
				return printJSON(out.report)
			}
			printCycleReport(out.report)
			return nil
		}
	}
}

func printEvent(ev ingest.Event, asJSON bool) {
	if asJSON {
		rec := map[string]any{"event": ev.Kind.String(), "doc_id": ev.DocID, "doc": ev.DocName, "kb": ev.KB}
		if ev.Total > 0 {
			rec["current"], rec["total"] = ev.Current, ev.Total
		}
		if ev.Err != nil {
			rec["error"] = ev.Err.Error()
		}
		if b, err := json.Marshal(rec); err == nil {
			fmt.Println(string(b))
		}
		return
	}
	switch ev.Kind {
	case ingest.EventParsed:
		fmt.Printf("  parsed    %s\n", ev.DocName)
	case ingest.EventEmbedded:
		fmt.Printf("  embedded  %s (%d chunks)\n", ev.DocName, ev.Total)
	case ingest.EventFailed:
		fmt.Printf("  failed    %s: %v\n", ev.DocName, ev.Err)
	case ingest.EventIndexed:
		fmt.Printf("  indexed   %s\n", ev.KB)
	}
}

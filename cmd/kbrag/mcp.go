package main

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	kbmcp "github.com/hurttlocker/kbrag/internal/mcp"
)

// runMCP serves the MCP tools over stdio. Logs go to stderr; stdout carries
// the protocol.
func runMCP(ctx context.Context, g *globalFlags, args []string) error {
	if len(args) > 0 {
		return unknownFlag(args[0])
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

	s := kbmcp.NewServer(kbmcp.ServerConfig{
		Store:    a.store,
		Search:   a.search,
		Pipeline: a.pipeline,
		Version:  version,
		Logger:   a.logger.Named("mcp"),
	})
	return server.ServeStdio(s)
}

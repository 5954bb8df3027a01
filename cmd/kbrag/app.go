package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hurttlocker/kbrag/internal/config"
	"github.com/hurttlocker/kbrag/internal/embed"
	"github.com/hurttlocker/kbrag/internal/fileserver"
	"github.com/hurttlocker/kbrag/internal/ingest"
	"github.com/hurttlocker/kbrag/internal/logger"
	"github.com/hurttlocker/kbrag/internal/search"
	"github.com/hurttlocker/kbrag/internal/store"
)

// providerFunc builds embedding providers. Tests swap it for a local fake.
var providerFunc = embed.DefaultProviderFunc

// app holds the wired components shared by the commands.
type app struct {
	cfg      config.ResolvedConfig
	logger   *zap.Logger
	store    *store.SQLiteStore
	search   *search.Engine
	pipeline *ingest.Pipeline
	files    *fileserver.Server // set by run
}

// baseURL is the live file server URL substituted into search results.
func (a *app) baseURL() string {
	if a.files == nil {
		return ""
	}
	return a.files.BaseURL()
}

func resolve(g *globalFlags, interval, addr string) (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath:  g.ConfigPath,
		EnvFile:     g.EnvFile,
		CLIDataDir:  g.DataDir,
		CLIDBPath:   g.DBPath,
		CLIEmbed:    g.Embed,
		CLIInterval: interval,
		CLIAddr:     addr,
	})
}

// openApp resolves configuration and opens the store with its search engine
// and ingestion pipeline. Callers must Close it.
func openApp(cfg config.ResolvedConfig, opts ...ingest.Option) (*app, error) {
	log := logger.FromEnv()

	dataDir := cfg.DataDir.Value
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath.Value), 0o755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}

	dims := cfg.Dimensions.Int(config.DefaultDimensions)
	s, err := store.Open(store.Config{
		DBPath:          cfg.DBPath.Value,
		DataDir:         dataDir,
		Dimensions:      dims,
		ApproxThreshold: cfg.ApproxThreshold.Int(config.DefaultApproxThreshold),
		Logger:          log.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	cache, err := embed.NewCache(cfg.CacheDir.Value, &embed.ClearGuard{}, embed.WithCacheLogger(log.Named("cache")))
	if err != nil {
		s.Close()
		return nil, err
	}
	registry := embed.NewRegistry(dims, cache, configuredProviders(cfg), log.Named("embed"))
	a := &app{cfg: cfg, logger: log, store: s}

	a.search = search.NewEngine(s,
		search.WithEmbedders(func(kb *store.KnowledgeBase) (search.Embedder, error) {
			e, err := registry.For(kb.Supplier, kb.Model)
			if err != nil {
				return nil, err
			}
			return e, nil
		}),
		search.WithBaseURL(a.baseURL),
		search.WithLogger(log.Named("search")),
	)

	opts = append([]ingest.Option{
		ingest.WithLogger(log.Named("ingest")),
		ingest.WithAbstractLength(cfg.AbstractLength.Int(config.DefaultAbstractLength)),
		ingest.WithKeywordCount(cfg.KeywordCount.Int(config.DefaultKeywordCount)),
	}, opts...)
	a.pipeline = ingest.NewPipeline(s, func(kb *store.KnowledgeBase) (ingest.Embedder, error) {
		e, err := registry.For(kb.Supplier, kb.Model)
		if err != nil {
			return nil, err
		}
		return e, nil
	}, opts...)
	return a, nil
}

// configuredProviders applies the resolved endpoint and API key on top of
// the supplier defaults.
func configuredProviders(cfg config.ResolvedConfig) embed.ProviderFunc {
	endpoint, apiKey := cfg.EmbedEndpoint.Value, cfg.EmbedAPIKey.Value
	if endpoint == "" && apiKey == "" {
		return providerFunc
	}
	base := providerFunc
	return func(supplier, model string) (embed.Provider, error) {
		pc, err := embed.NewProviderConfig(supplier, model)
		if err != nil {
			// Unknown suppliers go to the base func, which may know them.
			return base(supplier, model)
		}
		if endpoint != "" {
			pc.Endpoint = endpoint
		}
		if apiKey != "" {
			pc.APIKey = apiKey
		}
		return embed.NewProvider(pc)
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

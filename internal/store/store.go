// Package store is the SQLite storage layer for knowledge bases.
//
// One database file holds:
// - the shared documents table and its lifecycle state
// - knowledge-base configuration
// - one chunk table per knowledge base (kb_<md5 of name>) with vectors,
//   full-text tokens and keyword labels
// - an FTS5 index per chunk table
//
// Approximate vector indexes (HNSW) live next to the database under
// <data dir>/ann, and idempotence markers under <data dir>/markers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hurttlocker/kbrag/internal/ann"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.kbrag/kbrag.db"

// DefaultDimensions is the stored vector width.
const DefaultDimensions = 1024

// DefaultApproxThreshold is the row count above which a chunk table switches
// to the approximate vector index.
const DefaultApproxThreshold = 256

// Config holds configuration for Open.
type Config struct {
	DBPath          string // ":memory:" for tests
	DataDir         string // markers and ANN files; defaults to the DB directory
	Dimensions      int
	ApproxThreshold int
	Logger          *zap.Logger
}

// SQLiteStore is the knowledge-base store.
type SQLiteStore struct {
	db              *sql.DB
	dbPath          string
	dataDir         string
	dims            int
	approxThreshold int
	logger          *zap.Logger

	locks tableLocks

	annMu     sync.Mutex
	annIdx    map[string]*ann.Index
	annDirty  map[string]bool
	attempted map[string]bool // approximate escalation tried this process

	optimizing atomic.Bool
}

// Open creates or opens the store.
func Open(cfg Config) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.ApproxThreshold <= 0 {
		cfg.ApproxThreshold = DefaultApproxThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		if cfg.DataDir == "" {
			cfg.DataDir = dir
		}
	}
	if cfg.DataDir == "" {
		dir, err := os.MkdirTemp("", "kbrag-data-*")
		if err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		cfg.DataDir = dir
	}
	for _, sub := range []string{markerDirName, annDirName} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", sub, err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:              db,
		dbPath:          cfg.DBPath,
		dataDir:         cfg.DataDir,
		dims:            cfg.Dimensions,
		approxThreshold: cfg.ApproxThreshold,
		logger:          cfg.Logger,
		annIdx:          make(map[string]*ann.Index),
		annDirty:        make(map[string]bool),
		attempted:       make(map[string]bool),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close persists dirty ANN indexes and closes the database.
func (s *SQLiteStore) Close() error {
	s.saveDirtyIndexes()
	return s.db.Close()
}

// DB exposes the connection for diagnostics and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// DataDir returns the directory holding markers and ANN files.
func (s *SQLiteStore) DataDir() string {
	return s.dataDir
}

// Dimensions returns the configured vector width.
func (s *SQLiteStore) Dimensions() int {
	return s.dims
}

// Vacuum runs VACUUM on the database.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// tableLocks serializes writers per chunk table. Searches take the read side.
type tableLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func (l *tableLocks) get(table string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.RWMutex)
	}
	m, ok := l.locks[table]
	if !ok {
		m = &sync.RWMutex{}
		l.locks[table] = m
	}
	return m
}

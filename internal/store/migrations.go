package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// migrate creates the shared tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Documents are filtered by knowledge base and by state on every
	// pipeline cycle. Failures here degrade speed only.
	ctx := context.Background()
	docIndexes := []IndexSpec{
		{Kind: BTree, Column: "knowledge_base_id"},
		{Kind: Bitmap, Column: "state", Values: []string{
			strconv.Itoa(int(StateUnparsed)),
			strconv.Itoa(int(StateParseFailed)),
			strconv.Itoa(int(StateParsed)),
			strconv.Itoa(int(StateEmbedded)),
		}},
	}
	for _, spec := range docIndexes {
		if err := s.EnsureIndex(ctx, "documents", spec); err != nil {
			s.logger.Warn("document index unavailable", zap.Error(err), zap.String("column", spec.Column))
		}
	}
	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS knowledge_bases (
			id              TEXT PRIMARY KEY,
			name            TEXT UNIQUE NOT NULL,
			supplier        TEXT NOT NULL DEFAULT '',
			model           TEXT NOT NULL DEFAULT '',
			search_strategy TEXT NOT NULL DEFAULT 'hybrid'
			                CHECK(search_strategy IN ('hybrid','vector','keyword')),
			max_recall      INTEGER NOT NULL DEFAULT 5,
			recall_accuracy REAL NOT NULL DEFAULT 0.3,
			vector_weight   REAL NOT NULL DEFAULT 0.7,
			keyword_weight  REAL NOT NULL DEFAULT 0.3,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			source_path       TEXT NOT NULL,
			parsed_path       TEXT NOT NULL DEFAULT '',
			knowledge_base_id TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
			abstract          TEXT NOT NULL DEFAULT '',
			keywords          TEXT NOT NULL DEFAULT '[]',
			state             INTEGER NOT NULL DEFAULT 0,
			separators        TEXT NOT NULL DEFAULT '[]',
			chunk_size        INTEGER NOT NULL DEFAULT 1000,
			overlap_size      INTEGER NOT NULL DEFAULT 100,
			content           TEXT NOT NULL DEFAULT '',
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}
	value, err := s.getMetaValue(key)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func (s *SQLiteStore) getMetaValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) clearMetaKey(key string) error {
	_, err := s.db.Exec("DELETE FROM meta WHERE key = ?", key)
	return err
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version":       "1",
		"embedding_dimensions": strconv.Itoa(s.dims),
		"created_at":           time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range defaults {
		if _, err := s.db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

// Table migrations are claimed in meta so two processes sharing the database
// never rebuild the same table at once. A claim left by a dead process is
// stale and may be taken over.

func formatMigrationClaim(pid int, startedAt time.Time) string {
	return fmt.Sprintf("in_progress;pid=%d;started_at=%s", pid, startedAt.UTC().Format(time.RFC3339))
}

func isMigrationInProgress(value string) bool {
	return strings.HasPrefix(value, "in_progress")
}

func parseMigrationClaim(value string) (int, time.Time, bool) {
	if !isMigrationInProgress(value) {
		return 0, time.Time{}, false
	}
	var pid int
	var startedAt time.Time
	var pidFound, tsFound bool
	for _, part := range strings.Split(value, ";")[1:] {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "pid="):
			n, err := strconv.Atoi(strings.TrimPrefix(part, "pid="))
			if err != nil || n <= 0 {
				return 0, time.Time{}, false
			}
			pid, pidFound = n, true
		case strings.HasPrefix(part, "started_at="):
			ts, err := time.Parse(time.RFC3339, strings.TrimPrefix(part, "started_at="))
			if err != nil {
				return 0, time.Time{}, false
			}
			startedAt, tsFound = ts, true
		}
	}
	if !pidFound || !tsFound {
		return 0, time.Time{}, false
	}
	return pid, startedAt, true
}

func isStaleMigrationClaim(value string) bool {
	if !isMigrationInProgress(value) {
		return false
	}
	pid, _, ok := parseMigrationClaim(value)
	if !ok {
		return true
	}
	return !isProcessAlive(pid)
}

func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// claimMigration returns true when this process now owns key.
func (s *SQLiteStore) claimMigration(key string) (bool, error) {
	claim := formatMigrationClaim(os.Getpid(), time.Now().UTC())

	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", key, claim)
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return false, err
		} else if n == 1 {
			return true, nil
		}

		existing, err := s.getMetaValue(key)
		if err != nil {
			return false, err
		}
		if !isStaleMigrationClaim(existing) {
			return false, nil
		}

		// Compare-and-delete so only the stale value we inspected is cleared.
		res, err = s.db.Exec("DELETE FROM meta WHERE key = ? AND value = ?", key, existing)
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return false, err
		} else if n == 0 {
			continue
		}
	}
	return false, nil
}

// truncate shortens a string for error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

func isNoSuchTableError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such table")
}

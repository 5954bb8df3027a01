package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// tableColumns returns the column names of table in schema order.
func (s *SQLiteStore) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(`+table+`)`)
	if err != nil {
		return nil, fmt.Errorf("reading schema of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// MigrateTable brings an existing chunk table up to the current schema. When
// columns are missing, rows are copied into a shadow table created with the
// full schema (missing columns take their defaults), the old table is dropped
// and the shadow renamed into place, all in one transaction. A crash at any
// point leaves either the old table or the new one, never neither.
//
// Only one process migrates a given table at a time; a process that loses
// the claim returns without changes.
func (s *SQLiteStore) MigrateTable(ctx context.Context, table string) error {
	lock := s.locks.get(table)
	lock.Lock()
	defer lock.Unlock()

	have, err := s.tableColumns(ctx, table)
	if err != nil {
		return err
	}
	if len(have) == 0 {
		return ErrTableNotFound
	}
	present := make(map[string]bool, len(have))
	for _, c := range have {
		present[c] = true
	}
	var missing []string
	for _, c := range chunkColumns {
		if !present[c.name] {
			missing = append(missing, c.name)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	key := "migrate:" + table
	claimed, err := s.claimMigration(key)
	if err != nil {
		return &IndexError{Table: table, Kind: BTree, Err: fmt.Errorf("claiming migration: %w", err)}
	}
	if !claimed {
		s.logger.Info("table migration already in progress elsewhere", zap.String("table", table))
		return nil
	}
	defer func() {
		if err := s.clearMetaKey(key); err != nil {
			s.logger.Warn("clearing migration claim", zap.String("table", table), zap.Error(err))
		}
	}()

	shadow := table + "__shadow"
	dst := make([]string, 0, len(chunkColumns))
	src := make([]string, 0, len(chunkColumns))
	for _, c := range chunkColumns {
		switch {
		case present[c.name]:
			dst = append(dst, c.name)
			src = append(src, c.name)
		case c.name == "seq":
			// Older tables keyed rows by rowid.
			dst = append(dst, c.name)
			src = append(src, "rowid")
		case c.dflt != "":
			dst = append(dst, c.name)
			src = append(src, c.dflt)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration of %s: %w", table, err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DROP TABLE IF EXISTS ` + shadow,
		strings.Replace(createTableSQL(shadow), "IF NOT EXISTS ", "", 1),
		fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`,
			shadow, strings.Join(dst, ", "), strings.Join(src, ", "), table),
		`DROP TRIGGER IF EXISTS ` + table + `_fts_ai`,
		`DROP TRIGGER IF EXISTS ` + table + `_fts_ad`,
		`DROP TABLE IF EXISTS ` + table + `_fts`,
		`DROP TABLE ` + table,
		`ALTER TABLE ` + shadow + ` RENAME TO ` + table,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &IndexError{Table: table, Kind: BTree, Err: fmt.Errorf("executing %q: %w", truncate(stmt, 60), err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration of %s: %w", table, err)
	}

	// The full-text index was dropped with the old table and the row keys
	// may have changed, so both derived indexes are stale.
	s.removeMarker(table, markerFullText)
	s.dropANN(table)
	s.removeMarker(table, markerApprox)

	s.logger.Info("chunk table migrated", zap.String("table", table), zap.Strings("added", missing))
	return nil
}

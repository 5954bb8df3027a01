package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hurttlocker/kbrag/internal/textutil"
)

// IndexKind enumerates the index types a table can carry.
type IndexKind int

const (
	// BTree is a plain SQLite index for equality and range lookups.
	BTree IndexKind = iota
	// Bitmap covers a low-cardinality column with one partial index per value.
	Bitmap
	// LabelList is a (label, row) side table for keyword-set membership.
	LabelList
	// FullText is an FTS5 index over the tokens column.
	FullText
	// ApproxVector is the HNSW similarity index.
	ApproxVector
)

func (k IndexKind) String() string {
	switch k {
	case BTree:
		return "btree"
	case Bitmap:
		return "bitmap"
	case LabelList:
		return "label_list"
	case FullText:
		return "fts"
	case ApproxVector:
		return "approx_vector"
	}
	return "index(" + strconv.Itoa(int(k)) + ")"
}

// IndexSpec describes one index to build on a table.
type IndexSpec struct {
	Kind   IndexKind
	Column string
	Values []string // Bitmap only: the column's value domain
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnsureIndex builds spec on table if it does not exist yet. Failures come
// back as *IndexError; callers log them and continue without the index.
func (s *SQLiteStore) EnsureIndex(ctx context.Context, table string, spec IndexSpec) error {
	if !identRE.MatchString(table) || (spec.Column != "" && !identRE.MatchString(spec.Column)) {
		return &IndexError{Table: table, Kind: spec.Kind, Err: fmt.Errorf("invalid identifier")}
	}

	var err error
	switch spec.Kind {
	case BTree:
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)`, table, spec.Column, table, spec.Column))
	case Bitmap:
		err = s.ensureBitmap(ctx, table, spec)
	case LabelList:
		err = s.ensureLabelList(ctx, table)
	case FullText:
		err = s.RebuildFullText(ctx, table)
	case ApproxVector:
		err = s.buildApproximate(ctx, table)
	default:
		err = fmt.Errorf("unknown index kind %d", int(spec.Kind))
	}
	if err == nil {
		return nil
	}
	var ie *IndexError
	if errors.As(err, &ie) {
		return err
	}
	return &IndexError{Table: table, Kind: spec.Kind, Err: err}
}

// ensureBitmap creates one partial index per value so lookups on a single
// value touch only matching rows.
func (s *SQLiteStore) ensureBitmap(ctx context.Context, table string, spec IndexSpec) error {
	if len(spec.Values) == 0 {
		return fmt.Errorf("bitmap index on %s needs a value domain", spec.Column)
	}
	for _, v := range spec.Values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("bitmap value %q is not an integer", v)
		}
		name := fmt.Sprintf("idx_%s_%s_%s", table, spec.Column, strings.ReplaceAll(v, "-", "m"))
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(%s) WHERE %s = %d`,
			name, table, spec.Column, spec.Column, n)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ensureLabelList(ctx context.Context, table string) error {
	labels := labelsTable(table)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + labels + ` (
			label TEXT NOT NULL,
			seq   INTEGER NOT NULL,
			PRIMARY KEY (label, seq)
		) WITHOUT ROWID`,
		`CREATE INDEX IF NOT EXISTS idx_` + labels + `_seq ON ` + labels + `(seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RebuildFullText back-fills empty tokens from the chunk text, then drops
// and recreates the FTS5 index and its sync triggers, and finally records
// the full-text marker.
func (s *SQLiteStore) RebuildFullText(ctx context.Context, table string) error {
	lock := s.locks.get(table)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return ErrTableNotFound
	}

	backfilled, err := s.backfillTokens(ctx, table)
	if err != nil {
		return fmt.Errorf("back-filling tokens: %w", err)
	}

	fts := table + "_fts"
	stmts := []string{
		`DROP TRIGGER IF EXISTS ` + table + `_fts_ai`,
		`DROP TRIGGER IF EXISTS ` + table + `_fts_ad`,
		`DROP TABLE IF EXISTS ` + fts,
		`CREATE VIRTUAL TABLE ` + fts + ` USING fts5(
			tokens,
			content='` + table + `',
			content_rowid='seq',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER ` + table + `_fts_ai AFTER INSERT ON ` + table + ` BEGIN
			INSERT INTO ` + fts + `(rowid, tokens) VALUES (new.seq, new.tokens);
		END`,
		`CREATE TRIGGER ` + table + `_fts_ad AFTER DELETE ON ` + table + ` BEGIN
			INSERT INTO ` + fts + `(` + fts + `, rowid, tokens) VALUES ('delete', old.seq, old.tokens);
		END`,
		`INSERT INTO ` + fts + `(` + fts + `) VALUES ('rebuild')`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fts rebuild: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", truncate(stmt, 60), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing fts rebuild: %w", err)
	}

	if err := s.writeMarker(table, markerFullText); err != nil {
		return err
	}
	s.logger.Debug("full-text index rebuilt", zap.String("table", table), zap.Int("backfilled", backfilled))
	return nil
}

// backfillTokens tokenizes doc for every row whose tokens are empty.
func (s *SQLiteStore) backfillTokens(ctx context.Context, table string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, doc FROM `+table+` WHERE tokens = '' OR tokens IS NULL`)
	if err != nil {
		return 0, err
	}
	type pending struct {
		seq    int64
		tokens string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		var doc string
		if err := rows.Scan(&p.seq, &doc); err != nil {
			rows.Close()
			return 0, err
		}
		p.tokens = textutil.TokenString(doc)
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(todo) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE `+table+` SET tokens = ? WHERE seq = ?`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, p := range todo {
		if _, err := stmt.ExecContext(ctx, p.tokens, p.seq); err != nil {
			return 0, err
		}
	}
	return len(todo), tx.Commit()
}

// FullTextHit is a chunk matched by the FTS index with its BM25 rank
// (more negative is better).
type FullTextHit struct {
	Chunk *Chunk
	Rank  float64
}

// FullTextSearch runs an FTS5 match of the query's tokens against table.
// Tokens are OR'd, so any shared token matches.
func (s *SQLiteStore) FullTextSearch(ctx context.Context, table, query string, limit int) ([]FullTextHit, error) {
	if !s.HasMarker(table, markerFullText) {
		return nil, ErrTableNotFound
	}
	tokens := textutil.Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}

	lock := s.locks.get(table)
	lock.RLock()
	defer lock.RUnlock()

	fts := table + "_fts"
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.seq, c.id, c.doc, c.vector, c.doc_id, c.tokens, c.keywords, bm25(`+fts+`) AS rank
		 FROM `+fts+` JOIN `+table+` c ON c.seq = `+fts+`.rowid
		 WHERE `+fts+` MATCH ? ORDER BY rank, c.seq LIMIT ?`,
		strings.Join(terms, " OR "), limit)
	if isNoSuchTableError(err) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer rows.Close()

	var out []FullTextHit
	for rows.Next() {
		c := &Chunk{}
		var blob []byte
		var keywords string
		var rank float64
		if err := rows.Scan(&c.RowID, &c.ID, &c.Doc, &blob, &c.DocID, &c.Tokens, &keywords, &rank); err != nil {
			return nil, fmt.Errorf("scanning fts hit: %w", err)
		}
		c.Vector = bytesToFloat32(blob)
		c.Keywords = decodeStrings(keywords)
		out = append(out, FullTextHit{Chunk: c, Rank: rank})
	}
	return out, rows.Err()
}

// Markers are empty files under <data dir>/markers named <table>.<kind>.
// Their presence means the step completed; absence means it has not.

const (
	markerDirName  = "markers"
	annDirName     = "ann"
	markerApprox   = "approx"
	markerFullText = "fts"
)

func (s *SQLiteStore) markerPath(table, kind string) string {
	return filepath.Join(s.dataDir, markerDirName, table+"."+kind)
}

// HasMarker reports whether the marker of kind exists for table.
func (s *SQLiteStore) HasMarker(table, kind string) bool {
	_, err := os.Stat(s.markerPath(table, kind))
	return err == nil
}

func (s *SQLiteStore) writeMarker(table, kind string) error {
	if err := os.WriteFile(s.markerPath(table, kind), nil, 0o644); err != nil {
		return fmt.Errorf("writing %s marker for %s: %w", kind, table, err)
	}
	return nil
}

func (s *SQLiteStore) removeMarker(table, kind string) {
	if err := os.Remove(s.markerPath(table, kind)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing marker", zap.String("table", table), zap.String("kind", kind), zap.Error(err))
	}
}

// HasFullText reports whether table's full-text index has been built.
func (s *SQLiteStore) HasFullText(table string) bool {
	return s.HasMarker(table, markerFullText)
}

package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hurttlocker/kbrag/internal/textutil"
)

// Chunk is one row of a knowledge base's chunk table.
type Chunk struct {
	RowID    int64 // stable key, also used by the ANN index
	ID       string
	Doc      string
	DocID    string
	Vector   []float32
	Tokens   string
	Keywords []string
}

// chunkColumns lists the chunk table schema. MigrateTable adds any column
// missing from an older table using the default shown here.
var chunkColumns = []columnDef{
	{name: "seq", decl: "INTEGER PRIMARY KEY AUTOINCREMENT"},
	{name: "id", decl: "TEXT NOT NULL UNIQUE"},
	{name: "doc", decl: "TEXT NOT NULL"},
	{name: "vector", decl: "BLOB"},
	{name: "doc_id", decl: "TEXT NOT NULL"},
	{name: "tokens", decl: "TEXT NOT NULL DEFAULT ''", dflt: "''"},
	{name: "keywords", decl: "TEXT NOT NULL DEFAULT '[]'", dflt: "'[]'"},
}

type columnDef struct {
	name string
	decl string
	dflt string // SQL literal used when back-filling a missing column
}

func createTableSQL(table string) string {
	defs := make([]string, len(chunkColumns))
	for i, c := range chunkColumns {
		defs[i] = c.name + " " + c.decl
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table, strings.Join(defs, ",\n\t"))
}

func labelsTable(table string) string { return table + "_labels" }

// TableExists reports whether the chunk table has been created.
func (s *SQLiteStore) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return n > 0, nil
}

// EnsureChunkTable creates the chunk table and its scalar indexes, and
// migrates an existing table that lacks columns. Index failures are logged.
func (s *SQLiteStore) EnsureChunkTable(ctx context.Context, table string) error {
	exists, err := s.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if exists {
		if err := s.MigrateTable(ctx, table); err != nil {
			return err
		}
	} else {
		lock := s.locks.get(table)
		lock.Lock()
		_, err := s.db.ExecContext(ctx, createTableSQL(table))
		lock.Unlock()
		if err != nil {
			return fmt.Errorf("creating chunk table %s: %w", table, err)
		}
	}

	for _, spec := range []IndexSpec{
		{Kind: BTree, Column: "doc_id"},
		{Kind: LabelList, Column: "keywords"},
	} {
		if err := s.EnsureIndex(ctx, table, spec); err != nil {
			s.logger.Warn("chunk index unavailable", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

// RowCount returns the number of chunks in table.
func (s *SQLiteStore) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	if isNoSuchTableError(err) {
		return 0, ErrTableNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

// InsertChunks writes all chunks of one document in a single transaction:
// either every row (with its labels) lands or none does. Missing IDs are
// generated and tokens are derived from the text when empty. Tables in
// approximate mode also feed the ANN index.
func (s *SQLiteStore) InsertChunks(ctx context.Context, table string, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if len(c.Vector) != s.dims {
			return fmt.Errorf("chunk vector has %d dims, store expects %d", len(c.Vector), s.dims)
		}
	}

	lock := s.locks.get(table)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning chunk insert: %w", err)
	}
	defer tx.Rollback()

	insertChunk, err := tx.PrepareContext(ctx,
		`INSERT INTO `+table+` (id, doc, vector, doc_id, tokens, keywords) VALUES (?, ?, ?, ?, ?, ?)`)
	if isNoSuchTableError(err) {
		return ErrTableNotFound
	}
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer insertChunk.Close()

	insertLabel, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO `+labelsTable(table)+` (label, seq) VALUES (?, ?)`)
	hasLabels := err == nil
	if hasLabels {
		defer insertLabel.Close()
	}

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Tokens == "" {
			c.Tokens = textutil.TokenString(c.Doc)
		}
		res, err := insertChunk.ExecContext(ctx, c.ID, c.Doc, float32ToBytes(c.Vector), c.DocID,
			c.Tokens, encodeStrings(c.Keywords))
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
		if c.RowID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading chunk rowid: %w", err)
		}
		if hasLabels {
			for _, kw := range c.Keywords {
				if _, err := insertLabel.ExecContext(ctx, strings.ToLower(kw), c.RowID); err != nil {
					return fmt.Errorf("inserting label %q: %w", kw, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chunk insert: %w", err)
	}

	if idx := s.loadedANN(table); idx != nil {
		for _, c := range chunks {
			if err := idx.Insert(c.RowID, c.Vector); err != nil {
				s.logger.Warn("ann insert failed", zap.String("table", table), zap.Error(err))
			}
		}
		s.markANNDirty(table)
	}
	return nil
}

// DeleteDocumentChunks removes every chunk owned by docID.
func (s *SQLiteStore) DeleteDocumentChunks(ctx context.Context, table, docID string) error {
	lock := s.locks.get(table)
	lock.Lock()
	defer lock.Unlock()

	seqs, err := s.chunkSeqs(ctx, table, docID)
	if err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning chunk delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+labelsTable(table)+` WHERE seq IN (SELECT seq FROM `+table+` WHERE doc_id = ?)`,
		docID); err != nil && !isNoSuchTableError(err) {
		return fmt.Errorf("deleting labels: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", docID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chunk delete: %w", err)
	}

	if idx := s.loadedANN(table); idx != nil {
		for _, seq := range seqs {
			idx.Delete(seq)
		}
		s.markANNDirty(table)
	}
	return nil
}

func (s *SQLiteStore) chunkSeqs(ctx context.Context, table, docID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq FROM `+table+` WHERE doc_id = ?`, docID)
	if isNoSuchTableError(err) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("listing chunks of %s: %w", docID, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

const chunkSelect = `SELECT seq, id, doc, vector, doc_id, tokens, keywords FROM `

func scanChunk(row interface{ Scan(...any) error }) (*Chunk, error) {
	c := &Chunk{}
	var blob []byte
	var keywords string
	if err := row.Scan(&c.RowID, &c.ID, &c.Doc, &blob, &c.DocID, &c.Tokens, &keywords); err != nil {
		return nil, err
	}
	c.Vector = bytesToFloat32(blob)
	c.Keywords = decodeStrings(keywords)
	return c, nil
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if isNoSuchTableError(err) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()
	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunksByDocument returns a document's chunks in insertion order.
func (s *SQLiteStore) ChunksByDocument(ctx context.Context, table, docID string) ([]*Chunk, error) {
	lock := s.locks.get(table)
	lock.RLock()
	defer lock.RUnlock()
	return s.queryChunks(ctx, chunkSelect+table+` WHERE doc_id = ? ORDER BY seq`, docID)
}

// KeywordCandidates returns chunks whose lower-cased text contains any of
// the keywords, in row order. Keywords are matched as plain substrings.
func (s *SQLiteStore) KeywordCandidates(ctx context.Context, table string, keywords []string) ([]*Chunk, error) {
	var preds []string
	var args []any
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		preds = append(preds, `instr(lower(doc), ?) > 0`)
		args = append(args, kw)
	}
	if len(preds) == 0 {
		return nil, nil
	}

	lock := s.locks.get(table)
	lock.RLock()
	defer lock.RUnlock()
	return s.queryChunks(ctx, chunkSelect+table+` WHERE `+strings.Join(preds, " OR ")+` ORDER BY seq`, args...)
}

// chunksBySeq fetches rows by key, preserving the order of seqs.
func (s *SQLiteStore) chunksBySeq(ctx context.Context, table string, seqs []int64) ([]*Chunk, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(seqs))
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		placeholders[i] = "?"
		args[i] = seq
	}
	found, err := s.queryChunks(ctx,
		chunkSelect+table+` WHERE seq IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	bySeq := make(map[int64]*Chunk, len(found))
	for _, c := range found {
		bySeq[c.RowID] = c
	}
	out := make([]*Chunk, 0, len(found))
	for _, seq := range seqs {
		if c, ok := bySeq[seq]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// ChunksByLabel returns chunks tagged with label.
func (s *SQLiteStore) ChunksByLabel(ctx context.Context, table, label string) ([]*Chunk, error) {
	lock := s.locks.get(table)
	lock.RLock()
	defer lock.RUnlock()
	return s.queryChunks(ctx,
		chunkSelect+table+` WHERE seq IN (SELECT seq FROM `+labelsTable(table)+` WHERE label = ?) ORDER BY seq`,
		strings.ToLower(label))
}

// LabelCount is a keyword label and how many chunks carry it.
type LabelCount struct {
	Label string
	Count int64
}

// TopLabels returns the n most common chunk labels of table.
func (s *SQLiteStore) TopLabels(ctx context.Context, table string, n int) ([]LabelCount, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, COUNT(*) AS c FROM `+labelsTable(table)+` GROUP BY label ORDER BY c DESC, label LIMIT ?`, n)
	if isNoSuchTableError(err) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}
	defer rows.Close()
	var out []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to a float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ParseState is a document's position in the ingestion lifecycle.
type ParseState int

const (
	StateParseFailed ParseState = -1
	StateUnparsed    ParseState = 0
	StateParsed      ParseState = 2
	StateEmbedded    ParseState = 3
)

func (p ParseState) String() string {
	switch p {
	case StateParseFailed:
		return "parse_failed"
	case StateUnparsed:
		return "unparsed"
	case StateParsed:
		return "parsed"
	case StateEmbedded:
		return "embedded"
	}
	return fmt.Sprintf("state(%d)", int(p))
}

// Document is one ingested file.
type Document struct {
	ID              string
	Name            string
	SourcePath      string
	ParsedPath      string
	KnowledgeBaseID string
	Abstract        string
	Keywords        []string
	State           ParseState
	Separators      []string
	ChunkSize       int
	OverlapSize     int
	Content         string // parsed text, used for whole-document results
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ContentLength returns the parsed text length in runes.
func (d *Document) ContentLength() int {
	return utf8.RuneCountInString(d.Content)
}

const docColumns = `id, name, source_path, parsed_path, knowledge_base_id, abstract, keywords,
	state, separators, chunk_size, overlap_size, content, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	d := &Document{}
	var keywords, separators string
	var state int
	if err := row.Scan(&d.ID, &d.Name, &d.SourcePath, &d.ParsedPath, &d.KnowledgeBaseID,
		&d.Abstract, &keywords, &state, &separators, &d.ChunkSize, &d.OverlapSize,
		&d.Content, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.State = ParseState(state)
	d.Keywords = decodeStrings(keywords)
	d.Separators = decodeStrings(separators)
	return d, nil
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// AddDocument registers a new document in the Unparsed state.
func (s *SQLiteStore) AddDocument(ctx context.Context, d *Document) error {
	if d.KnowledgeBaseID == "" {
		return fmt.Errorf("knowledge base id is required")
	}
	if strings.TrimSpace(d.SourcePath) == "" {
		return fmt.Errorf("source path is required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.ChunkSize == 0 {
		d.ChunkSize = 1000
	}
	if d.OverlapSize == 0 {
		d.OverlapSize = 100
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (`+docColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.SourcePath, d.ParsedPath, d.KnowledgeBaseID, d.Abstract,
		encodeStrings(d.Keywords), int(d.State), encodeStrings(d.Separators),
		d.ChunkSize, d.OverlapSize, d.Content, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("adding document %q: %w", d.Name, err)
	}
	return nil
}

// GetDocument fetches one document.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return d, nil
}

// GetDocuments fetches documents by ID in a single query. Unknown IDs are
// skipped.
func (s *SQLiteStore) GetDocuments(ctx context.Context, ids []string) (map[string]*Document, error) {
	out := make(map[string]*Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("getting documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

// ListDocumentsByState returns documents in state, oldest first. An empty
// kbID lists across all knowledge bases.
func (s *SQLiteStore) ListDocumentsByState(ctx context.Context, kbID string, state ParseState) ([]*Document, error) {
	query := `SELECT ` + docColumns + ` FROM documents WHERE state = ?`
	args := []any{int(state)}
	if kbID != "" {
		query += ` AND knowledge_base_id = ?`
		args = append(args, kbID)
	}
	query += ` ORDER BY created_at, id`
	return s.queryDocuments(ctx, query, args...)
}

// ListDocuments returns every document of a knowledge base.
func (s *SQLiteStore) ListDocuments(ctx context.Context, kbID string) ([]*Document, error) {
	return s.queryDocuments(ctx,
		`SELECT `+docColumns+` FROM documents WHERE knowledge_base_id = ? ORDER BY created_at, id`, kbID)
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, query string, args ...any) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDocument writes every mutable column of d.
func (s *SQLiteStore) UpdateDocument(ctx context.Context, d *Document) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET name = ?, source_path = ?, parsed_path = ?, abstract = ?, keywords = ?,
		 state = ?, separators = ?, chunk_size = ?, overlap_size = ?, content = ?, updated_at = ?
		 WHERE id = ?`,
		d.Name, d.SourcePath, d.ParsedPath, d.Abstract, encodeStrings(d.Keywords), int(d.State),
		encodeStrings(d.Separators), d.ChunkSize, d.OverlapSize, d.Content, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, d.ID)
	}
	return nil
}

// SetDocumentState moves a document to state.
func (s *SQLiteStore) SetDocumentState(ctx context.Context, id string, state ParseState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET state = ?, updated_at = ? WHERE id = ?`, int(state), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting state of document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return nil
}

// ParsedContents returns the parsed text of every parsed or embedded
// document in a knowledge base, for keyword statistics.
func (s *SQLiteStore) ParsedContents(ctx context.Context, kbID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM documents WHERE knowledge_base_id = ? AND state IN (?, ?) AND content != ''`,
		kbID, int(StateParsed), int(StateEmbedded))
	if err != nil {
		return nil, fmt.Errorf("listing parsed contents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteDocument removes a document and its chunk rows.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	d, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	kb, err := s.GetKnowledgeBase(ctx, d.KnowledgeBaseID)
	if err != nil && !errors.Is(err, ErrKnowledgeBaseNotFound) {
		return err
	}
	if kb != nil {
		if err := s.DeleteDocumentChunks(ctx, kb.Table(), id); err != nil && !errors.Is(err, ErrTableNotFound) {
			return err
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return nil
}

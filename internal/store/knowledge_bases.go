package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SearchStrategy selects which signals a knowledge base searches with.
type SearchStrategy string

const (
	StrategyHybrid  SearchStrategy = "hybrid"
	StrategyVector  SearchStrategy = "vector"
	StrategyKeyword SearchStrategy = "keyword"
)

// ParseStrategy validates s, defaulting empty input to hybrid.
func ParseStrategy(s string) (SearchStrategy, error) {
	switch SearchStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyHybrid:
		return StrategyHybrid, nil
	case StrategyVector:
		return StrategyVector, nil
	case StrategyKeyword:
		return StrategyKeyword, nil
	}
	return "", fmt.Errorf("unknown search strategy %q (want hybrid, vector or keyword)", s)
}

// KnowledgeBase is a named document collection with its embedding and search
// configuration.
type KnowledgeBase struct {
	ID             string
	Name           string
	Supplier       string
	Model          string
	SearchStrategy SearchStrategy
	MaxRecall      int
	RecallAccuracy float64 // approximate-mode score floor
	VectorWeight   float64
	KeywordWeight  float64
	CreatedAt      time.Time
}

// Table returns the knowledge base's chunk table name.
func (kb *KnowledgeBase) Table() string {
	return TableName(kb.Name)
}

// TableName maps a knowledge-base name to its chunk table, kb_<md5(name)>.
func TableName(kbName string) string {
	sum := md5.Sum([]byte(kbName))
	return "kb_" + hex.EncodeToString(sum[:])
}

// DefaultMaxRecall is the result cap used when a knowledge base sets none.
const DefaultMaxRecall = 5

func (kb *KnowledgeBase) applyDefaults() {
	if kb.SearchStrategy == "" {
		kb.SearchStrategy = StrategyHybrid
	}
	if kb.MaxRecall <= 0 {
		kb.MaxRecall = DefaultMaxRecall
	}
	if kb.VectorWeight == 0 && kb.KeywordWeight == 0 {
		kb.VectorWeight, kb.KeywordWeight = 0.7, 0.3
	}
}

const kbColumns = `id, name, supplier, model, search_strategy, max_recall, recall_accuracy,
	vector_weight, keyword_weight, created_at`

func scanKnowledgeBase(row interface{ Scan(...any) error }) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}
	var strategy string
	if err := row.Scan(&kb.ID, &kb.Name, &kb.Supplier, &kb.Model, &strategy, &kb.MaxRecall,
		&kb.RecallAccuracy, &kb.VectorWeight, &kb.KeywordWeight, &kb.CreatedAt); err != nil {
		return nil, err
	}
	kb.SearchStrategy = SearchStrategy(strategy)
	return kb, nil
}

// CreateKnowledgeBase inserts kb, assigning an ID when empty.
func (s *SQLiteStore) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	if strings.TrimSpace(kb.Name) == "" {
		return fmt.Errorf("knowledge base name is required")
	}
	if _, err := ParseStrategy(string(kb.SearchStrategy)); err != nil {
		return err
	}
	kb.applyDefaults()
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	if kb.CreatedAt.IsZero() {
		kb.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_bases (`+kbColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kb.ID, kb.Name, kb.Supplier, kb.Model, string(kb.SearchStrategy), kb.MaxRecall,
		kb.RecallAccuracy, kb.VectorWeight, kb.KeywordWeight, kb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating knowledge base %q: %w", kb.Name, err)
	}
	return nil
}

// GetKnowledgeBase looks a knowledge base up by ID.
func (s *SQLiteStore) GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error) {
	return s.getKnowledgeBase(ctx, "id", id)
}

// GetKnowledgeBaseByName looks a knowledge base up by name.
func (s *SQLiteStore) GetKnowledgeBaseByName(ctx context.Context, name string) (*KnowledgeBase, error) {
	return s.getKnowledgeBase(ctx, "name", name)
}

func (s *SQLiteStore) getKnowledgeBase(ctx context.Context, column, value string) (*KnowledgeBase, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+kbColumns+` FROM knowledge_bases WHERE `+column+` = ?`, value)
	kb, err := scanKnowledgeBase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrKnowledgeBaseNotFound, value)
	}
	if err != nil {
		return nil, fmt.Errorf("getting knowledge base %q: %w", value, err)
	}
	return kb, nil
}

// ListKnowledgeBases returns every knowledge base ordered by name.
func (s *SQLiteStore) ListKnowledgeBases(ctx context.Context) ([]*KnowledgeBase, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+kbColumns+` FROM knowledge_bases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing knowledge bases: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning knowledge base: %w", err)
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

// UpdateKnowledgeBase rewrites the configuration columns, applying the same
// defaults as CreateKnowledgeBase. The name, and with it the chunk table,
// cannot change.
func (s *SQLiteStore) UpdateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	if _, err := ParseStrategy(string(kb.SearchStrategy)); err != nil {
		return err
	}
	kb.applyDefaults()
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_bases SET supplier = ?, model = ?, search_strategy = ?, max_recall = ?,
		 recall_accuracy = ?, vector_weight = ?, keyword_weight = ? WHERE id = ?`,
		kb.Supplier, kb.Model, string(kb.SearchStrategy), kb.MaxRecall,
		kb.RecallAccuracy, kb.VectorWeight, kb.KeywordWeight, kb.ID,
	)
	if err != nil {
		return fmt.Errorf("updating knowledge base %q: %w", kb.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrKnowledgeBaseNotFound, kb.ID)
	}
	return nil
}

// DeleteKnowledgeBase removes the knowledge base, its documents, its chunk
// table with all side tables, and its markers and ANN file.
func (s *SQLiteStore) DeleteKnowledgeBase(ctx context.Context, id string) error {
	kb, err := s.GetKnowledgeBase(ctx, id)
	if err != nil {
		return err
	}
	table := kb.Table()

	lock := s.locks.get(table)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DROP TRIGGER IF EXISTS ` + table + `_fts_ai`,
		`DROP TRIGGER IF EXISTS ` + table + `_fts_ad`,
		`DROP TABLE IF EXISTS ` + table + `_fts`,
		`DROP TABLE IF EXISTS ` + labelsTable(table),
		`DROP TABLE IF EXISTS ` + table,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", truncate(stmt, 60), err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE knowledge_base_id = ?`, id); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting knowledge base: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.dropANN(table)
	s.removeMarker(table, markerApprox)
	s.removeMarker(table, markerFullText)
	return nil
}

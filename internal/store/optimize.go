package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// ErrOptimizeInProgress is returned when another Optimize call is running.
var ErrOptimizeInProgress = errors.New("optimize already in progress")

// Optimize compacts table's derived indexes and vacuums the database:
// FTS segments are merged, the HNSW graph is rebuilt without tombstones and
// saved. Only one Optimize runs at a time across all tables.
func (s *SQLiteStore) Optimize(ctx context.Context, table string) error {
	if !s.optimizing.CompareAndSwap(false, true) {
		return ErrOptimizeInProgress
	}
	defer s.optimizing.Store(false)

	start := time.Now()
	lock := s.locks.get(table)
	lock.Lock()

	if s.HasFullText(table) {
		fts := table + "_fts"
		if _, err := s.db.ExecContext(ctx, `INSERT INTO `+fts+`(`+fts+`) VALUES ('optimize')`); err != nil {
			s.logger.Warn("fts optimize failed", zap.String("table", table), zap.Error(err))
		}
	}

	if idx := s.loadedANN(table); idx != nil {
		compacted := idx.Compact()
		if err := compacted.Save(s.annPath(table)); err != nil {
			s.logger.Warn("saving compacted ann index", zap.String("table", table), zap.Error(err))
		} else {
			s.annMu.Lock()
			s.annIdx[table] = compacted
			delete(s.annDirty, table)
			s.annMu.Unlock()
		}
	}
	lock.Unlock()

	if err := s.Vacuum(ctx); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	s.logger.Debug("table optimized", zap.String("table", table), zap.Duration("took", time.Since(start)))
	return nil
}

// Stats summarizes the whole store.
type Stats struct {
	KnowledgeBases int
	Documents      int
	Chunks         int64
	DBSizeBytes    int64
	ByState        map[ParseState]int
	PerKB          []KBStats
}

// KBStats summarizes one knowledge base.
type KBStats struct {
	Name      string
	Table     string
	Documents int
	Chunks    int64
	Mode      Mode
	FullText  bool
	TopLabels []LabelCount
	Created   time.Time
}

// Stats gathers counts across every knowledge base.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByState: make(map[ParseState]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM documents GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting documents: %w", err)
	}
	for rows.Next() {
		var state, n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.ByState[ParseState(state)] = n
		st.Documents += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	kbs, err := s.ListKnowledgeBases(ctx)
	if err != nil {
		return nil, err
	}
	st.KnowledgeBases = len(kbs)
	for _, kb := range kbs {
		ks, err := s.KnowledgeBaseStats(ctx, kb)
		if err != nil {
			return nil, err
		}
		st.Chunks += ks.Chunks
		st.PerKB = append(st.PerKB, *ks)
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return st, nil
}

// KnowledgeBaseStats gathers counts for one knowledge base. A knowledge base
// whose chunk table does not exist yet reports zero chunks.
func (s *SQLiteStore) KnowledgeBaseStats(ctx context.Context, kb *KnowledgeBase) (*KBStats, error) {
	table := kb.Table()
	ks := &KBStats{
		Name:     kb.Name,
		Table:    table,
		Mode:     s.VectorMode(table),
		FullText: s.HasFullText(table),
		Created:  kb.CreatedAt,
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE knowledge_base_id = ?`, kb.ID).Scan(&ks.Documents); err != nil {
		return nil, fmt.Errorf("counting documents of %s: %w", kb.Name, err)
	}

	n, err := s.RowCount(ctx, table)
	if errors.Is(err, ErrTableNotFound) {
		return ks, nil
	}
	if err != nil {
		return nil, err
	}
	ks.Chunks = n

	labels, err := s.TopLabels(ctx, table, 5)
	if err != nil && !errors.Is(err, ErrTableNotFound) {
		return nil, err
	}
	ks.TopLabels = labels
	return ks, nil
}

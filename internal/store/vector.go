package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/hurttlocker/kbrag/internal/ann"
)

// Mode is a chunk table's similarity-index mode.
type Mode int

const (
	// ModeFlat scans every vector exactly.
	ModeFlat Mode = iota
	// ModeApproximate queries the HNSW index.
	ModeApproximate
)

func (m Mode) String() string {
	if m == ModeApproximate {
		return "approximate"
	}
	return "flat"
}

// VectorHit is a chunk with its cosine distance to the query.
type VectorHit struct {
	Chunk    *Chunk
	Distance float64
}

// VectorMode reports table's current mode. The approximate marker is
// authoritative: without it the table is flat.
func (s *SQLiteStore) VectorMode(table string) Mode {
	if s.HasMarker(table, markerApprox) {
		return ModeApproximate
	}
	return ModeFlat
}

// VectorSearch returns up to k chunks nearest to query, closest first, and
// the mode that answered. An approximate table whose index cannot be loaded
// falls back to a flat scan.
func (s *SQLiteStore) VectorSearch(ctx context.Context, table string, query []float32, k int) ([]VectorHit, Mode, error) {
	if len(query) != s.dims {
		return nil, ModeFlat, fmt.Errorf("query vector has %d dims, store expects %d", len(query), s.dims)
	}
	if k <= 0 {
		return nil, ModeFlat, nil
	}

	lock := s.locks.get(table)
	lock.RLock()
	defer lock.RUnlock()

	if s.VectorMode(table) == ModeApproximate {
		if idx := s.loadedANN(table); idx != nil {
			hits, err := s.approximateSearch(ctx, table, idx, query, k)
			return hits, ModeApproximate, err
		}
	}
	hits, err := s.flatSearch(ctx, table, query, k)
	return hits, ModeFlat, err
}

func (s *SQLiteStore) approximateSearch(ctx context.Context, table string, idx *ann.Index, query []float32, k int) ([]VectorHit, error) {
	found := idx.Search(query, k)
	seqs := make([]int64, len(found))
	dist := make(map[int64]float64, len(found))
	for i, h := range found {
		seqs[i] = h.Key
		dist[h.Key] = float64(h.Distance)
	}
	return s.hitsForSeqs(ctx, table, seqs, dist)
}

type scored struct {
	seq  int64
	dist float64
}

func (s *SQLiteStore) flatSearch(ctx context.Context, table string, query []float32, k int) ([]VectorHit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, vector FROM `+table)
	if isNoSuchTableError(err) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	var all []scored
	for rows.Next() {
		var seq int64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning vector: %w", err)
		}
		all = append(all, scored{seq: seq, dist: float64(ann.CosineDistance(query, bytesToFloat32(blob)))})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].seq < all[j].seq
	})
	if len(all) > k {
		all = all[:k]
	}

	seqs := make([]int64, len(all))
	dist := make(map[int64]float64, len(all))
	for i, sc := range all {
		seqs[i] = sc.seq
		dist[sc.seq] = sc.dist
	}
	return s.hitsForSeqs(ctx, table, seqs, dist)
}

func (s *SQLiteStore) hitsForSeqs(ctx context.Context, table string, seqs []int64, dist map[int64]float64) ([]VectorHit, error) {
	chunks, err := s.chunksBySeq(ctx, table, seqs)
	if err != nil {
		return nil, err
	}
	out := make([]VectorHit, len(chunks))
	for i, c := range chunks {
		out[i] = VectorHit{Chunk: c, Distance: dist[c.RowID]}
	}
	return out, nil
}

// EscalateIfNeeded moves table to approximate mode once it holds more rows
// than the threshold. It runs at most once per table per process; a failure
// is logged, leaves the table flat and is returned as *IndexError.
func (s *SQLiteStore) EscalateIfNeeded(ctx context.Context, table string) (bool, error) {
	if s.VectorMode(table) == ModeApproximate {
		return false, nil
	}
	n, err := s.RowCount(ctx, table)
	if err != nil {
		return false, err
	}
	if n <= int64(s.approxThreshold) {
		return false, nil
	}

	s.annMu.Lock()
	tried := s.attempted[table]
	s.attempted[table] = true
	s.annMu.Unlock()
	if tried {
		return false, nil
	}

	if err := s.EnsureIndex(ctx, table, IndexSpec{Kind: ApproxVector, Column: "vector"}); err != nil {
		s.logger.Warn("approximate index build failed; table stays flat",
			zap.String("table", table), zap.Int64("rows", n), zap.Error(err))
		return false, err
	}
	s.logger.Info("vector index escalated", zap.String("table", table), zap.Int64("rows", n))
	return true, nil
}

// buildApproximate builds the HNSW graph from every row, saves it and
// records the marker. The marker is written only after the file is on disk.
func (s *SQLiteStore) buildApproximate(ctx context.Context, table string) error {
	lock := s.locks.get(table)
	lock.Lock()
	defer lock.Unlock()

	idx := ann.New(s.dims)
	if err := s.fillANN(ctx, table, idx); err != nil {
		return err
	}
	if err := idx.Save(s.annPath(table)); err != nil {
		return fmt.Errorf("saving ann index: %w", err)
	}
	if err := s.writeMarker(table, markerApprox); err != nil {
		return err
	}

	s.annMu.Lock()
	s.annIdx[table] = idx
	delete(s.annDirty, table)
	s.annMu.Unlock()
	return nil
}

// fillANN inserts every row missing from idx.
func (s *SQLiteStore) fillANN(ctx context.Context, table string, idx *ann.Index) error {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, vector FROM `+table+` ORDER BY seq`)
	if isNoSuchTableError(err) {
		return ErrTableNotFound
	}
	if err != nil {
		return fmt.Errorf("reading vectors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			return err
		}
		if idx.Has(seq) {
			continue
		}
		if err := idx.Insert(seq, bytesToFloat32(blob)); err != nil {
			return fmt.Errorf("indexing row %d: %w", seq, err)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) annPath(table string) string {
	return filepath.Join(s.dataDir, annDirName, table+".hnsw")
}

// loadedANN returns table's in-memory HNSW index, loading it from disk on
// first use. It returns nil for flat tables or when the file is unusable.
// Callers hold the table lock (either side); loadedANN takes no table lock.
func (s *SQLiteStore) loadedANN(table string) *ann.Index {
	if s.VectorMode(table) != ModeApproximate {
		return nil
	}
	s.annMu.Lock()
	defer s.annMu.Unlock()
	if idx, ok := s.annIdx[table]; ok {
		return idx
	}

	idx, err := ann.Load(s.annPath(table))
	if err != nil {
		s.logger.Warn("ann index unavailable", zap.String("table", table), zap.Error(err))
		return nil
	}
	if idx.Dims() != s.dims {
		s.logger.Warn("ann index dimension mismatch",
			zap.String("table", table), zap.Int("index", idx.Dims()), zap.Int("store", s.dims))
		return nil
	}
	// Rows written after the last save (e.g. by a process that exited
	// without Close) are added now. Deleted rows drop out when fetched.
	before := idx.Len()
	if err := s.fillANN(context.Background(), table, idx); err != nil {
		s.logger.Warn("reconciling ann index", zap.String("table", table), zap.Error(err))
	}
	if idx.Len() != before {
		s.annDirty[table] = true
	}
	s.annIdx[table] = idx
	return idx
}

func (s *SQLiteStore) markANNDirty(table string) {
	s.annMu.Lock()
	s.annDirty[table] = true
	s.annMu.Unlock()
}

// dropANN forgets table's index and removes its file.
func (s *SQLiteStore) dropANN(table string) {
	s.annMu.Lock()
	delete(s.annIdx, table)
	delete(s.annDirty, table)
	delete(s.attempted, table)
	s.annMu.Unlock()
	if err := os.Remove(s.annPath(table)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing ann file", zap.String("table", table), zap.Error(err))
	}
}

// saveDirtyIndexes writes every modified in-memory index back to disk.
func (s *SQLiteStore) saveDirtyIndexes() {
	s.annMu.Lock()
	defer s.annMu.Unlock()
	for table := range s.annDirty {
		idx := s.annIdx[table]
		if idx == nil {
			continue
		}
		if err := idx.Save(s.annPath(table)); err != nil {
			s.logger.Warn("saving ann index", zap.String("table", table), zap.Error(err))
			continue
		}
		delete(s.annDirty, table)
	}
}

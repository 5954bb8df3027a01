package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimMigration_StoresPIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)

	claimed, err := s.claimMigration("test_claim_state")
	require.NoError(t, err)
	require.True(t, claimed, "empty key should be claimed")

	value, err := s.getMetaValue("test_claim_state")
	require.NoError(t, err)
	require.Contains(t, value, "in_progress")

	pid, startedAt, ok := parseMigrationClaim(value)
	require.True(t, ok, "claim value %q should parse", value)
	assert.Equal(t, os.Getpid(), pid)
	assert.False(t, startedAt.IsZero())

	again, err := s.claimMigration("test_claim_state")
	require.NoError(t, err)
	assert.False(t, again, "live claim must not be taken twice")
}

func TestClaimMigration_ReclaimsDeadPID(t *testing.T) {
	s := newTestStore(t)
	key := "test_claim_reclaim"

	stale := formatMigrationClaim(999999999, time.Now().Add(-time.Hour))
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, stale)
	require.NoError(t, err)

	claimed, err := s.claimMigration(key)
	require.NoError(t, err)
	require.True(t, claimed, "stale dead-pid claim should be reclaimed")

	value, err := s.getMetaValue(key)
	require.NoError(t, err)
	pid, _, ok := parseMigrationClaim(value)
	require.True(t, ok, "replacement claim %q should parse", value)
	assert.Equal(t, os.Getpid(), pid)
}

func TestParseMigrationClaim_Malformed(t *testing.T) {
	for _, v := range []string{"", "done", "in_progress", "in_progress;pid=abc;started_at=2026-01-01T00:00:00Z", "in_progress;pid=12"} {
		_, _, ok := parseMigrationClaim(v)
		assert.False(t, ok, "parseMigrationClaim(%q)", v)
	}
	assert.True(t, isStaleMigrationClaim("in_progress;garbage"), "unparseable in-progress claim should be stale")
	assert.False(t, isStaleMigrationClaim("done"), "finished value is not a claim")
}

func TestMigrate_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kb.db")
	for i := 0; i < 2; i++ {
		s, err := Open(Config{DBPath: dbPath})
		require.NoError(t, err, "open #%d", i+1)
		done, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
		require.NoError(t, err)
		assert.True(t, done)
		s.Close()
	}
}

func TestMigrate_DocumentStateIndexes(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"idx_documents_knowledge_base_id", "idx_documents_state_0", "idx_documents_state_m1"} {
		var n int
		require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?`, name).Scan(&n))
		assert.Equal(t, 1, n, "index %s", name)
	}
}

func TestMigrateTable_AddsMissingColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := TableName("legacy")

	// An older table without tokens and keywords, keyed by rowid.
	_, err := s.db.Exec(`CREATE TABLE ` + table + ` (id TEXT NOT NULL UNIQUE, doc TEXT NOT NULL, vector BLOB, doc_id TEXT NOT NULL)`)
	require.NoError(t, err)
	vec := float32ToBytes(unitVector(s.dims, 0))
	for i, id := range []string{"a", "b"} {
		_, err := s.db.Exec(`INSERT INTO `+table+` (id, doc, vector, doc_id) VALUES (?, ?, ?, ?)`,
			id, "legacy text "+id, vec, "doc"+string(rune('0'+i)))
		require.NoError(t, err)
	}

	require.NoError(t, s.EnsureChunkTable(ctx, table))

	cols, err := s.tableColumns(ctx, table)
	require.NoError(t, err)
	require.Len(t, cols, len(chunkColumns))

	chunks, err := s.ChunksByDocument(ctx, table, "doc1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "b", chunks[0].ID)
	assert.Equal(t, int64(2), chunks[0].RowID)
	assert.Empty(t, chunks[0].Tokens)
	assert.Empty(t, chunks[0].Keywords)

	var shadows int
	s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, table+"__shadow").Scan(&shadows)
	assert.Zero(t, shadows, "shadow table left behind")
	v, _ := s.getMetaValue("migrate:" + table)
	assert.Empty(t, v, "migration claim not cleared")

	// Full-text back-fills the tokens the migration left empty.
	require.NoError(t, s.RebuildFullText(ctx, table))
	hits, err := s.FullTextSearch(ctx, table, "legacy", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestMigrateTable_CurrentSchemaNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := TableName("current")
	require.NoError(t, s.EnsureChunkTable(ctx, table))
	insertTestChunks(t, s, table, "d1", "hello world")
	require.NoError(t, s.MigrateTable(ctx, table))
	n, _ := s.RowCount(ctx, table)
	assert.Equal(t, int64(1), n)
}

func TestMigrateTable_MissingTable(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.MigrateTable(context.Background(), "kb_missing"), ErrTableNotFound)
}

package chunkstore

import (
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikb/aikb/engine/knowledge"
)

func newMockIndex(t *testing.T, opts PGVectorOptions) (*PGVectorIndex, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	index, err := NewPGVectorIndex(mock, opts)
	require.NoError(t, err)
	return index, mock
}

func chunkRowColumns(scored bool) []string {
	cols := []string{
		"id", "parent_id", "title", "content", "chunk_index",
		"embedding", "metadata", "created_at", "updated_at",
	}
	if scored {
		cols = append(cols, "similarity")
	}
	return cols
}

func TestPGVectorIndex_CreateIndex(t *testing.T) {
	t.Run("Should create extension, table and indexes", func(t *testing.T) {
		index, mock := newMockIndex(t, PGVectorOptions{EnsureIndex: true, IndexLists: 50})
		mock.ExpectExec(regexp.QuoteMeta("CREATE EXTENSION IF NOT EXISTS vector")).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "document_chunks"`)).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT atttypmod FROM pg_attribute")).
			WithArgs(`"document_chunks"`).
			WillReturnRows(mock.NewRows([]string{"atttypmod"}).AddRow(3))
		mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "document_chunks_parent_idx"`)).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec(regexp.QuoteMeta("USING ivfflat (embedding vector_cosine_ops) WITH (lists = 50)")).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))

		require.NoError(t, index.CreateIndex(t.Context(), 3))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should fail when the existing column has another dimension", func(t *testing.T) {
		index, mock := newMockIndex(t, PGVectorOptions{Table: "chunks"})
		mock.ExpectExec("CREATE EXTENSION").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectQuery("SELECT atttypmod").
			WithArgs(`"chunks"`).
			WillReturnRows(mock.NewRows([]string{"atttypmod"}).AddRow(1536))

		err := index.CreateIndex(t.Context(), 3)
		assert.ErrorIs(t, err, knowledge.ErrDimensionMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGVectorIndex_BulkIndex(t *testing.T) {
	t.Run("Should upsert every chunk in one transaction", func(t *testing.T) {
		index, mock := newMockIndex(t, PGVectorOptions{})
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "document_chunks"`)).
			WillReturnResult(pgxmock.NewResult("INSERT", 2))
		mock.ExpectCommit()

		err := index.BulkIndex(t.Context(), []*knowledge.Chunk{
			chunkOf("a", "p", 0, "A", "alpha", 1, 0, 0),
			chunkOf("b", "p", 1, "B", "beta"),
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should roll back when the insert fails", func(t *testing.T) {
		index, mock := newMockIndex(t, PGVectorOptions{})
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO").WillReturnError(assert.AnError)
		mock.ExpectRollback()

		err := index.BulkIndex(t.Context(), []*knowledge.Chunk{chunkOf("a", "p", 0, "A", "alpha")})
		assert.ErrorIs(t, err, assert.AnError)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGVectorIndex_Reads(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t.Run("Should decode a stored chunk", func(t *testing.T) {
		index, mock := newMockIndex(t, PGVectorOptions{})
		mock.ExpectQuery(regexp.QuoteMeta(`FROM "document_chunks" WHERE id = $1`)).
			WithArgs("c0").
			WillReturnRows(mock.NewRows(chunkRowColumns(false)).AddRow(
				"c0", "doc", "Intro", "# Intro\nhello", 0,
				sql.NullString{String: "[1,0,0.5]", Valid: true},
				`{"chunkType":"h1","wordCount":3}`, now, now,
			))

		got, err := index.Get(t.Context(), "c0")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []float32{1, 0, 0.5}, got.Embedding)
		assert.Equal(t, "h1", got.Metadata.ChunkType())
		assert.Equal(t, 3, got.Metadata.WordCount())
		assert.True(t, now.Equal(got.CreatedAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should return nil for a missing chunk", func(t *testing.T) {
		index, mock := newMockIndex(t, PGVectorOptions{})
		mock.ExpectQuery("SELECT").
			WithArgs("ghost").
			WillReturnRows(mock.NewRows(chunkRowColumns(false)))

		got, err := index.Get(t.Context(), "ghost")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
	t.Run("Should score natively and filter by parent", func(t *testing.T) {
		index, mock := newMockIndex(t, PGVectorOptions{})
		mock.ExpectQuery(regexp.QuoteMeta(
			"1 - (embedding <=> $1) AS similarity FROM \"document_chunks\" " +
				"WHERE embedding IS NOT NULL AND 1 - (embedding <=> $2) >= $3 AND parent_id IN ($4) " +
				"ORDER BY embedding <=> $5, id LIMIT 2",
		)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), 0.5, "doc", pgxmock.AnyArg()).
			WillReturnRows(mock.NewRows(chunkRowColumns(true)).
				AddRow("b", "doc", "B", "b", 1, sql.NullString{String: "[1,0,0]", Valid: true}, "{}", now, now, 0.9).
				AddRow("a", "doc", "A", "a", 0, sql.NullString{String: "[1,0,0]", Valid: true}, "{}", now, now, 0.9))

		results, err := index.VectorQuery(t.Context(), VectorSearch{
			Vector:    []float32{1, 0, 0},
			ParentIDs: []string{"doc"},
			Threshold: 0.5,
			Limit:     2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, similarIDs(results))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGVectorIndex_DeleteByQuery(t *testing.T) {
	t.Run("Should report the number of deleted rows", func(t *testing.T) {
		index, mock := newMockIndex(t, PGVectorOptions{})
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "document_chunks" WHERE parent_id IN ($1)`)).
			WithArgs("doc").
			WillReturnResult(pgxmock.NewResult("DELETE", 4))

		n, err := index.DeleteByQuery(t.Context(), IndexQuery{ParentIDs: []string{"doc"}})
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should refuse an unfiltered delete", func(t *testing.T) {
		index, _ := newMockIndex(t, PGVectorOptions{})
		_, err := index.DeleteByQuery(t.Context(), IndexQuery{})
		assert.Error(t, err)
	})
}

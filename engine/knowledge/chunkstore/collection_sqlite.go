package chunkstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	infrasqlite "github.com/aikb/aikb/engine/infra/sqlite"
	"github.com/aikb/aikb/engine/knowledge"
)

var sqliteColumns = []string{
	"id",
	"parent_id",
	"title",
	"content",
	"chunk_index",
	"chunk_type",
	"embedding",
	"metadata",
	"created_at",
	"updated_at",
}

type sqliteRow struct {
	ID         string         `db:"id"`
	ParentID   string         `db:"parent_id"`
	Title      string         `db:"title"`
	Content    string         `db:"content"`
	ChunkIndex int            `db:"chunk_index"`
	ChunkType  string         `db:"chunk_type"`
	Embedding  sql.NullString `db:"embedding"`
	Metadata   string         `db:"metadata"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
}

func (r *sqliteRow) toChunk() (*knowledge.Chunk, error) {
	c := &knowledge.Chunk{
		ID:        r.ID,
		ParentID:  r.ParentID,
		Title:     r.Title,
		Content:   r.Content,
		Index:     r.ChunkIndex,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.Embedding.Valid && r.Embedding.String != "" {
		if err := json.Unmarshal([]byte(r.Embedding.String), &c.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", r.ID, err)
		}
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
	}
	return c, nil
}

// SQLiteCollection stores chunks in one table with JSON-encoded embedding and
// metadata columns. Keyword matching is pushed down with LIKE over the
// Unicode-aware lowercase function, so db must come from sqlite.NewStore.
type SQLiteCollection struct {
	db    *sql.DB
	table string
}

var _ Collection = (*SQLiteCollection)(nil)

func NewSQLiteCollection(db *sql.DB, table string) (*SQLiteCollection, error) {
	if db == nil {
		return nil, errors.New("chunkstore: sqlite handle is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = "document_chunks"
	}
	if !validIdentifier(table) {
		return nil, fmt.Errorf("chunkstore: invalid table name %q", table)
	}
	return &SQLiteCollection{db: db, table: table}, nil
}

func (s *SQLiteCollection) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_type TEXT NOT NULL DEFAULT '',
			embedding TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`, s.table),
		fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s_parent_idx ON %s (parent_id, chunk_index)",
			s.table,
			s.table,
		),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteCollection) Put(ctx context.Context, chunk *knowledge.Chunk) error {
	query, args, err := s.upsert(chunk)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite upsert %s: %w", chunk.ID, err)
	}
	return nil
}

func (s *SQLiteCollection) PutMany(ctx context.Context, chunks []*knowledge.Chunk) (err error) {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("sqlite rollback failed: %w; original error: %v", rbErr, err)
			}
		}
	}()
	for _, c := range chunks {
		query, args, buildErr := s.upsert(c)
		if buildErr != nil {
			return buildErr
		}
		if _, execErr := tx.ExecContext(ctx, query, args...); execErr != nil {
			return fmt.Errorf("sqlite upsert %s: %w", c.ID, execErr)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

func (s *SQLiteCollection) upsert(c *knowledge.Chunk) (string, []any, error) {
	var embedding any
	if c.HasEmbedding() {
		raw, err := json.Marshal(c.Embedding)
		if err != nil {
			return "", nil, fmt.Errorf("encode embedding %s: %w", c.ID, err)
		}
		embedding = string(raw)
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return "", nil, fmt.Errorf("encode metadata %s: %w", c.ID, err)
	}
	return squirrel.
		Insert(s.table).
		Columns(sqliteColumns...).
		Values(
			c.ID,
			c.ParentID,
			c.Title,
			c.Content,
			c.Index,
			c.Metadata.ChunkType(),
			embedding,
			string(metadata),
			c.CreatedAt.UnixNano(),
			c.UpdatedAt.UnixNano(),
		).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
    parent_id = excluded.parent_id,
    title = excluded.title,
    content = excluded.content,
    chunk_index = excluded.chunk_index,
    chunk_type = excluded.chunk_type,
    embedding = excluded.embedding,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`).
		ToSql()
}

func (s *SQLiteCollection) Get(ctx context.Context, id string) (*knowledge.Chunk, error) {
	query, args, err := squirrel.Select(sqliteColumns...).From(s.table).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	var row sqliteRow
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite get %s: %w", id, err)
	}
	return row.toChunk()
}

func (s *SQLiteCollection) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.deleteWhere(ctx, squirrel.Eq{"id": id})
	return n > 0, err
}

func (s *SQLiteCollection) DeleteByParent(ctx context.Context, parentID string) (int, error) {
	return s.deleteWhere(ctx, squirrel.Eq{"parent_id": parentID})
}

func (s *SQLiteCollection) deleteWhere(ctx context.Context, pred squirrel.Sqlizer) (int, error) {
	query, args, err := squirrel.Delete(s.table).Where(pred).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteCollection) Find(ctx context.Context, q CollectionQuery) ([]*knowledge.Chunk, error) {
	builder := squirrel.
		Select(sqliteColumns...).
		From(s.table).
		OrderBy("parent_id", "chunk_index", "id")
	if len(q.ParentIDs) > 0 {
		builder = builder.Where(squirrel.Eq{"parent_id": q.ParentIDs})
	}
	if q.ChunkType != "" {
		builder = builder.Where(squirrel.Eq{"chunk_type": q.ChunkType})
	}
	if q.WithEmbedding {
		builder = builder.Where(squirrel.NotEq{"embedding": nil})
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		pattern := likePattern(text)
		builder = builder.Where(squirrel.Or{
			squirrel.Expr(infrasqlite.LowerFunc+`(title) LIKE ? ESCAPE '\'`, pattern),
			squirrel.Expr(infrasqlite.LowerFunc+`(content) LIKE ? ESCAPE '\'`, pattern),
		})
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []sqliteRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sqlite find: %w", err)
	}
	out := make([]*knowledge.Chunk, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toChunk()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Close is a no-op; the handle belongs to the caller.
func (s *SQLiteCollection) Close(context.Context) error {
	return nil
}

// likePattern lowercases text and escapes LIKE wildcards with a backslash.
func likePattern(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(text)) + "%"
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, ch := range name {
		switch {
		case ch == '_', ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

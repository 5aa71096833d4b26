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
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/aikb/aikb/engine/infra/postgres"
	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/pkg/logger"
)

const (
	defaultPGTable      = "document_chunks"
	defaultIVFFlatLists = 100
	pgBulkBatchSize     = 500
)

var pgColumns = []string{
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

var pgSelectColumns = []string{
	"id",
	"parent_id",
	"title",
	"content",
	"chunk_index",
	"embedding::text AS embedding",
	"metadata::text AS metadata",
	"created_at",
	"updated_at",
}

type pgRow struct {
	ID         string         `db:"id"`
	ParentID   string         `db:"parent_id"`
	Title      string         `db:"title"`
	Content    string         `db:"content"`
	ChunkIndex int            `db:"chunk_index"`
	Embedding  sql.NullString `db:"embedding"`
	Metadata   string         `db:"metadata"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

type pgScoredRow struct {
	pgRow
	Similarity float64 `db:"similarity"`
}

func (r *pgRow) toChunk() (*knowledge.Chunk, error) {
	c := &knowledge.Chunk{
		ID:        r.ID,
		ParentID:  r.ParentID,
		Title:     r.Title,
		Content:   r.Content,
		Index:     r.ChunkIndex,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.Embedding.Valid && r.Embedding.String != "" {
		var vec pgvector.Vector
		if err := vec.Scan(r.Embedding.String); err != nil {
			return nil, fmt.Errorf("pgvector: decode embedding for %q: %w", r.ID, err)
		}
		c.Embedding = vec.Slice()
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("pgvector: decode metadata for %q: %w", r.ID, err)
		}
	}
	return c, nil
}

// PGVectorOptions configures PGVectorIndex.
type PGVectorOptions struct {
	Table string
	// EnsureIndex creates an ivfflat cosine index. Results from an ivfflat
	// index are approximate.
	EnsureIndex bool
	IndexLists  int
	// OnClose runs when the index is closed, typically releasing the pool.
	OnClose func(context.Context) error
}

// PGVectorIndex is an IndexClient over PostgreSQL with the pgvector
// extension. Scores are exact cosine similarity, 1 - cosine distance.
type PGVectorIndex struct {
	db         postgres.DB
	table      string
	tableIdent string
	indexIdent string
	parentIdx  string
	ensureIdx  bool
	lists      int
	onClose    func(context.Context) error
	sb         squirrel.StatementBuilderType
}

var _ IndexClient = (*PGVectorIndex)(nil)

func NewPGVectorIndex(db postgres.DB, opts PGVectorOptions) (*PGVectorIndex, error) {
	if db == nil {
		return nil, errors.New("pgvector: database handle is required")
	}
	table := strings.TrimSpace(opts.Table)
	if table == "" {
		table = defaultPGTable
	}
	lists := opts.IndexLists
	if lists <= 0 {
		lists = defaultIVFFlatLists
	}
	return &PGVectorIndex{
		db:         db,
		table:      table,
		tableIdent: pgx.Identifier{table}.Sanitize(),
		indexIdent: pgx.Identifier{table + "_embedding_idx"}.Sanitize(),
		parentIdx:  pgx.Identifier{table + "_parent_idx"}.Sanitize(),
		ensureIdx:  opts.EnsureIndex,
		lists:      lists,
		onClose:    opts.OnClose,
		sb:         squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}, nil
}

func (p *PGVectorIndex) CreateIndex(ctx context.Context, dimension int) error {
	if _, err := p.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("pgvector: enable extension: %w", err)
	}
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		chunk_type TEXT NOT NULL DEFAULT '',
		embedding vector(%d),
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`, p.tableIdent, dimension)
	if _, err := p.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("pgvector: create table: %w", err)
	}
	var existing int
	err := p.db.QueryRow(
		ctx,
		"SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'",
		p.tableIdent,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("pgvector: inspect embedding column: %w", err)
	}
	if existing > 0 && existing != dimension {
		return knowledge.DimensionMismatch("create_index", dimension, existing)
	}
	createParentIdx := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (parent_id, chunk_index)",
		p.parentIdx,
		p.tableIdent,
	)
	if _, err := p.db.Exec(ctx, createParentIdx); err != nil {
		return fmt.Errorf("pgvector: create parent index: %w", err)
	}
	if p.ensureIdx {
		createIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)",
			p.indexIdent,
			p.tableIdent,
			p.lists,
		)
		if _, err := p.db.Exec(ctx, createIndex); err != nil {
			return fmt.Errorf("pgvector: create index: %w", err)
		}
	}
	logger.FromContext(ctx).Debug("pgvector index ready", "table", p.table, "dimension", dimension)
	return nil
}

func (p *PGVectorIndex) BulkIndex(ctx context.Context, chunks []*knowledge.Chunk) (err error) {
	if len(chunks) == 0 {
		return nil
	}
	tx, txErr := p.db.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("pgvector: begin tx: %w", txErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("pgvector: rollback failed: %w; original error: %v", rbErr, err)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("pgvector: commit: %w", commitErr)
		}
	}()
	for start := 0; start < len(chunks); start += pgBulkBatchSize {
		end := min(start+pgBulkBatchSize, len(chunks))
		query, args, buildErr := p.upsertQuery(chunks[start:end])
		if buildErr != nil {
			return buildErr
		}
		if _, execErr := tx.Exec(ctx, query, args...); execErr != nil {
			return fmt.Errorf("pgvector: upsert batch: %w", execErr)
		}
	}
	return nil
}

func (p *PGVectorIndex) upsertQuery(chunks []*knowledge.Chunk) (string, []any, error) {
	insert := p.sb.Insert(p.tableIdent).Columns(pgColumns...)
	for _, c := range chunks {
		var embedding any
		if c.HasEmbedding() {
			embedding = pgvector.NewVector(c.Embedding)
		}
		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("pgvector: marshal metadata for %q: %w", c.ID, err)
		}
		insert = insert.Values(
			c.ID,
			c.ParentID,
			c.Title,
			c.Content,
			c.Index,
			c.Metadata.ChunkType(),
			embedding,
			metadata,
			c.CreatedAt,
			c.UpdatedAt,
		)
	}
	return insert.Suffix(`ON CONFLICT (id) DO UPDATE SET
    parent_id = excluded.parent_id,
    title = excluded.title,
    content = excluded.content,
    chunk_index = excluded.chunk_index,
    chunk_type = excluded.chunk_type,
    embedding = excluded.embedding,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`).ToSql()
}

func (p *PGVectorIndex) Get(ctx context.Context, id string) (*knowledge.Chunk, error) {
	query, args, err := p.sb.Select(pgSelectColumns...).
		From(p.tableIdent).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var row pgRow
	if err := pgxscan.Get(ctx, p.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgvector: get %q: %w", id, err)
	}
	return row.toChunk()
}

func (p *PGVectorIndex) Query(ctx context.Context, q IndexQuery) ([]*knowledge.Chunk, error) {
	builder := p.sb.Select(pgSelectColumns...).
		From(p.tableIdent).
		OrderBy("parent_id", "chunk_index", "id")
	for _, pred := range p.predicates(q) {
		builder = builder.Where(pred)
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []pgRow
	if err := pgxscan.Select(ctx, p.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("pgvector: query: %w", err)
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

func (p *PGVectorIndex) DeleteByQuery(ctx context.Context, q IndexQuery) (int, error) {
	preds := p.predicates(q)
	if len(preds) == 0 {
		return 0, errors.New("pgvector: refusing to delete without a predicate")
	}
	builder := p.sb.Delete(p.tableIdent)
	for _, pred := range preds {
		builder = builder.Where(pred)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pgvector: delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PGVectorIndex) predicates(q IndexQuery) []squirrel.Sqlizer {
	var preds []squirrel.Sqlizer
	if len(q.IDs) > 0 {
		preds = append(preds, squirrel.Eq{"id": q.IDs})
	}
	if len(q.ParentIDs) > 0 {
		preds = append(preds, squirrel.Eq{"parent_id": q.ParentIDs})
	}
	if q.ChunkType != "" {
		preds = append(preds, squirrel.Eq{"chunk_type": q.ChunkType})
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		pattern := likePattern(text)
		preds = append(preds, squirrel.Or{
			squirrel.Expr("title ILIKE ?", pattern),
			squirrel.Expr("content ILIKE ?", pattern),
		})
	}
	return preds
}

// VectorQuery scores with the cosine distance operator. Postgres orders NaN
// after every number, so zero-norm rows are filtered again in Go.
func (p *PGVectorIndex) VectorQuery(ctx context.Context, search VectorSearch) ([]knowledge.SimilarChunk, error) {
	vec := pgvector.NewVector(search.Vector)
	builder := p.sb.Select(pgSelectColumns...).
		Column(squirrel.Expr("1 - (embedding <=> ?) AS similarity", vec)).
		From(p.tableIdent).
		Where("embedding IS NOT NULL").
		Where("1 - (embedding <=> ?) >= ?", vec, search.Threshold).
		OrderByClause("embedding <=> ?, id", vec)
	if len(search.ParentIDs) > 0 {
		builder = builder.Where(squirrel.Eq{"parent_id": search.ParentIDs})
	}
	if search.Limit > 0 {
		builder = builder.Limit(uint64(search.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []pgScoredRow
	if err := pgxscan.Select(ctx, p.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	out := make([]knowledge.SimilarChunk, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toChunk()
		if err != nil {
			return nil, err
		}
		out = append(out, knowledge.SimilarChunk{Chunk: *c, Similarity: rows[i].Similarity})
	}
	return rankSimilar(out, search.Threshold, search.Limit), nil
}

func (p *PGVectorIndex) Close(ctx context.Context) error {
	if p.onClose == nil {
		return nil
	}
	return p.onClose(ctx)
}

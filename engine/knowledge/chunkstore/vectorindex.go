package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aikb/aikb/engine/knowledge"
)

// IndexQuery is a term query against a vector index. Zero values do not
// restrict. Limit <= 0 returns every match.
type IndexQuery struct {
	IDs       []string
	ParentIDs []string
	ChunkType string
	Text      string
	Limit     int
}

// VectorSearch asks the index to score documents natively.
type VectorSearch struct {
	Vector    []float32
	ParentIDs []string
	Threshold float64
	Limit     int
}

// IndexClient is the vector-native backend handle. Scores returned by
// VectorQuery must rank identically to cosine similarity.
type IndexClient interface {
	CreateIndex(ctx context.Context, dimension int) error
	BulkIndex(ctx context.Context, chunks []*knowledge.Chunk) error
	// Get returns nil, nil when the document does not exist.
	Get(ctx context.Context, id string) (*knowledge.Chunk, error)
	Query(ctx context.Context, query IndexQuery) ([]*knowledge.Chunk, error)
	DeleteByQuery(ctx context.Context, query IndexQuery) (int, error)
	VectorQuery(ctx context.Context, search VectorSearch) ([]knowledge.SimilarChunk, error)
	Close(ctx context.Context) error
}

// VectorIndexStore implements Store over an IndexClient with a fixed
// embedding dimension.
type VectorIndexStore struct {
	client    IndexClient
	dimension int
	index     lazyInit
}

var _ Store = (*VectorIndexStore)(nil)

func NewVectorIndexStore(client IndexClient, dimension int) (*VectorIndexStore, error) {
	if client == nil {
		return nil, errors.New("chunkstore: index client is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("chunkstore: dimension must be positive, got %d", dimension)
	}
	return &VectorIndexStore{client: client, dimension: dimension}, nil
}

// Dimension returns the configured embedding size.
func (s *VectorIndexStore) Dimension() int {
	return s.dimension
}

func (s *VectorIndexStore) ready(ctx context.Context, op string) error {
	err := s.index.Do(ctx, func(ctx context.Context) error {
		return s.client.CreateIndex(ctx, s.dimension)
	})
	if err != nil {
		return knowledge.NewDependencyError(op, "", fmt.Errorf("create index: %w", err))
	}
	return nil
}

func (s *VectorIndexStore) checkDimension(op string, c *knowledge.Chunk) error {
	if c.HasEmbedding() && len(c.Embedding) != s.dimension {
		return knowledge.DimensionMismatch(op, len(c.Embedding), s.dimension)
	}
	return nil
}

func (s *VectorIndexStore) SaveChunk(ctx context.Context, chunk *knowledge.Chunk) (*knowledge.Chunk, error) {
	out := chunk.Clone()
	if err := prepareChunk("save_chunk", out, clock()); err != nil {
		return nil, err
	}
	if err := s.checkDimension("save_chunk", out); err != nil {
		return nil, err
	}
	if err := s.ready(ctx, "save_chunk"); err != nil {
		return nil, err
	}
	existing, err := s.client.Get(ctx, out.ID)
	if err != nil {
		return nil, knowledge.NewDependencyError("save_chunk", out.ParentID, err)
	}
	if existing != nil && chunk.CreatedAt.IsZero() {
		out.CreatedAt = existing.CreatedAt
	}
	if err := s.client.BulkIndex(ctx, []*knowledge.Chunk{out}); err != nil {
		return nil, knowledge.NewDependencyError("save_chunk", out.ParentID, err)
	}
	return out.Clone(), nil
}

func (s *VectorIndexStore) GetChunk(ctx context.Context, id string) (*knowledge.Chunk, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	if err := s.ready(ctx, "get_chunk"); err != nil {
		return nil, err
	}
	chunk, err := s.client.Get(ctx, id)
	if err != nil {
		return nil, knowledge.NewDependencyError("get_chunk", "", err)
	}
	return chunk, nil
}

func (s *VectorIndexStore) GetChunksByParent(ctx context.Context, parentID string) ([]*knowledge.Chunk, error) {
	if strings.TrimSpace(parentID) == "" {
		return nil, nil
	}
	if err := s.ready(ctx, "get_chunks_by_parent"); err != nil {
		return nil, err
	}
	chunks, err := s.client.Query(ctx, IndexQuery{ParentIDs: []string{parentID}})
	if err != nil {
		return nil, knowledge.NewDependencyError("get_chunks_by_parent", parentID, err)
	}
	sortByIndex(chunks)
	return chunks, nil
}

func (s *VectorIndexStore) UpdateChunk(ctx context.Context, chunk *knowledge.Chunk, fields ...knowledge.ChunkField) error {
	if chunk == nil || chunk.ID == "" {
		return knowledge.NewValidationError("update_chunk", "", "chunk id is required")
	}
	if err := s.checkDimension("update_chunk", chunk); err != nil {
		return err
	}
	if err := s.ready(ctx, "update_chunk"); err != nil {
		return err
	}
	existing, err := s.client.Get(ctx, chunk.ID)
	if err != nil {
		return knowledge.NewDependencyError("update_chunk", chunk.ParentID, err)
	}
	if existing == nil {
		return &knowledge.Error{
			Kind: knowledge.ErrNotFound,
			Op:   "update_chunk",
			Err:  fmt.Errorf("chunk %s", chunk.ID),
		}
	}
	merged, err := mergeUpdate(existing, chunk, clock(), fields)
	if err != nil {
		return err
	}
	if err := s.client.BulkIndex(ctx, []*knowledge.Chunk{merged}); err != nil {
		return knowledge.NewDependencyError("update_chunk", merged.ParentID, err)
	}
	return nil
}

func (s *VectorIndexStore) DeleteChunk(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}
	if err := s.ready(ctx, "delete_chunk"); err != nil {
		return false, err
	}
	n, err := s.client.DeleteByQuery(ctx, IndexQuery{IDs: []string{id}})
	if err != nil {
		return false, knowledge.NewDependencyError("delete_chunk", "", err)
	}
	return n > 0, nil
}

func (s *VectorIndexStore) DeleteChunksByParent(ctx context.Context, parentID string) (int, error) {
	if strings.TrimSpace(parentID) == "" {
		return 0, nil
	}
	if err := s.ready(ctx, "delete_chunks_by_parent"); err != nil {
		return 0, err
	}
	n, err := s.client.DeleteByQuery(ctx, IndexQuery{ParentIDs: []string{parentID}})
	if err != nil {
		return 0, knowledge.NewDependencyError("delete_chunks_by_parent", parentID, err)
	}
	return n, nil
}

func (s *VectorIndexStore) BatchUpsert(ctx context.Context, chunks []*knowledge.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	now := clock()
	prepared := make([]*knowledge.Chunk, len(chunks))
	for i := range chunks {
		prepared[i] = chunks[i].Clone()
		if err := prepareChunk("batch_upsert", prepared[i], now); err != nil {
			return err
		}
		if err := s.checkDimension("batch_upsert", prepared[i]); err != nil {
			return err
		}
	}
	if err := s.ready(ctx, "batch_upsert"); err != nil {
		return err
	}
	if err := s.client.BulkIndex(ctx, prepared); err != nil {
		return knowledge.NewDependencyError("batch_upsert", prepared[0].ParentID, err)
	}
	return nil
}

func (s *VectorIndexStore) SearchChunks(
	ctx context.Context,
	filter knowledge.SearchFilter,
) ([]*knowledge.Chunk, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := s.ready(ctx, "search_chunks"); err != nil {
		return nil, err
	}
	chunks, err := s.client.Query(ctx, IndexQuery{
		ParentIDs: filter.Parents(),
		ChunkType: filter.ChunkType,
		Text:      strings.TrimSpace(filter.Query),
		Limit:     filter.EffectiveLimit(),
	})
	if err != nil {
		return nil, knowledge.NewDependencyError("search_chunks", filter.ParentID, err)
	}
	return chunks, nil
}

// FindSimilarChunks delegates scoring to the index and re-applies threshold,
// ordering and limit so every client ranks the same way.
func (s *VectorIndexStore) FindSimilarChunks(
	ctx context.Context,
	query knowledge.SimilarityQuery,
) ([]knowledge.SimilarChunk, error) {
	if len(query.Vector) != s.dimension {
		return nil, knowledge.DimensionMismatch("find_similar_chunks", len(query.Vector), s.dimension)
	}
	if err := s.ready(ctx, "find_similar_chunks"); err != nil {
		return nil, err
	}
	threshold := query.EffectiveThreshold()
	limit := query.EffectiveLimit()
	results, err := s.client.VectorQuery(ctx, VectorSearch{
		Vector:    query.Vector,
		ParentIDs: knowledge.MergeParentIDs("", query.ParentIDs),
		Threshold: threshold,
		Limit:     limit,
	})
	if err != nil {
		return nil, knowledge.NewDependencyError("find_similar_chunks", "", err)
	}
	return rankSimilar(results, threshold, limit), nil
}

func (s *VectorIndexStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/pkg/logger"
)

// CollectionQuery selects documents from a Collection. Zero values do not
// restrict; Limit <= 0 returns every match. Results are ordered by parent id
// then index.
type CollectionQuery struct {
	ParentIDs     []string
	ChunkType     string
	Text          string
	WithEmbedding bool
	Limit         int
}

// Collection is a generic document-store handle without vector capabilities.
type Collection interface {
	EnsureSchema(ctx context.Context) error
	Put(ctx context.Context, chunk *knowledge.Chunk) error
	PutMany(ctx context.Context, chunks []*knowledge.Chunk) error
	// Get returns nil, nil when the document does not exist.
	Get(ctx context.Context, id string) (*knowledge.Chunk, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteByParent(ctx context.Context, parentID string) (int, error)
	Find(ctx context.Context, query CollectionQuery) ([]*knowledge.Chunk, error)
	Close(ctx context.Context) error
}

// DocumentStore implements Store over a Collection and scores similarity in
// application code with brute-force cosine.
type DocumentStore struct {
	coll   Collection
	schema lazyInit
}

var _ Store = (*DocumentStore)(nil)

func NewDocumentStore(coll Collection) (*DocumentStore, error) {
	if coll == nil {
		return nil, errors.New("chunkstore: collection is required")
	}
	return &DocumentStore{coll: coll}, nil
}

func (s *DocumentStore) ready(ctx context.Context, op string) error {
	if err := s.schema.Do(ctx, s.coll.EnsureSchema); err != nil {
		return knowledge.NewDependencyError(op, "", fmt.Errorf("ensure schema: %w", err))
	}
	return nil
}

func (s *DocumentStore) SaveChunk(ctx context.Context, chunk *knowledge.Chunk) (*knowledge.Chunk, error) {
	if err := s.ready(ctx, "save_chunk"); err != nil {
		return nil, err
	}
	out := chunk.Clone()
	if out != nil && out.ID != "" {
		existing, err := s.coll.Get(ctx, out.ID)
		if err != nil {
			return nil, knowledge.NewDependencyError("save_chunk", out.ParentID, err)
		}
		if existing != nil && out.CreatedAt.IsZero() {
			out.CreatedAt = existing.CreatedAt
		}
	}
	if err := prepareChunk("save_chunk", out, clock()); err != nil {
		return nil, err
	}
	if err := s.coll.Put(ctx, out); err != nil {
		return nil, knowledge.NewDependencyError("save_chunk", out.ParentID, err)
	}
	return out.Clone(), nil
}

func (s *DocumentStore) GetChunk(ctx context.Context, id string) (*knowledge.Chunk, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	if err := s.ready(ctx, "get_chunk"); err != nil {
		return nil, err
	}
	chunk, err := s.coll.Get(ctx, id)
	if err != nil {
		return nil, knowledge.NewDependencyError("get_chunk", "", err)
	}
	return chunk, nil
}

func (s *DocumentStore) GetChunksByParent(ctx context.Context, parentID string) ([]*knowledge.Chunk, error) {
	if strings.TrimSpace(parentID) == "" {
		return nil, nil
	}
	if err := s.ready(ctx, "get_chunks_by_parent"); err != nil {
		return nil, err
	}
	chunks, err := s.coll.Find(ctx, CollectionQuery{ParentIDs: []string{parentID}})
	if err != nil {
		return nil, knowledge.NewDependencyError("get_chunks_by_parent", parentID, err)
	}
	sortByIndex(chunks)
	return chunks, nil
}

func (s *DocumentStore) UpdateChunk(ctx context.Context, chunk *knowledge.Chunk, fields ...knowledge.ChunkField) error {
	if chunk == nil || chunk.ID == "" {
		return knowledge.NewValidationError("update_chunk", "", "chunk id is required")
	}
	if err := s.ready(ctx, "update_chunk"); err != nil {
		return err
	}
	existing, err := s.coll.Get(ctx, chunk.ID)
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
	if err := s.coll.Put(ctx, merged); err != nil {
		return knowledge.NewDependencyError("update_chunk", existing.ParentID, err)
	}
	return nil
}

func (s *DocumentStore) DeleteChunk(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}
	if err := s.ready(ctx, "delete_chunk"); err != nil {
		return false, err
	}
	deleted, err := s.coll.Delete(ctx, id)
	if err != nil {
		return false, knowledge.NewDependencyError("delete_chunk", "", err)
	}
	return deleted, nil
}

func (s *DocumentStore) DeleteChunksByParent(ctx context.Context, parentID string) (int, error) {
	if strings.TrimSpace(parentID) == "" {
		return 0, nil
	}
	if err := s.ready(ctx, "delete_chunks_by_parent"); err != nil {
		return 0, err
	}
	count, err := s.coll.DeleteByParent(ctx, parentID)
	if err != nil {
		return 0, knowledge.NewDependencyError("delete_chunks_by_parent", parentID, err)
	}
	return count, nil
}

func (s *DocumentStore) BatchUpsert(ctx context.Context, chunks []*knowledge.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.ready(ctx, "batch_upsert"); err != nil {
		return err
	}
	now := clock()
	prepared := make([]*knowledge.Chunk, len(chunks))
	for i := range chunks {
		prepared[i] = chunks[i].Clone()
		if err := prepareChunk("batch_upsert", prepared[i], now); err != nil {
			return err
		}
	}
	if err := s.coll.PutMany(ctx, prepared); err != nil {
		return knowledge.NewDependencyError("batch_upsert", prepared[0].ParentID, err)
	}
	return nil
}

func (s *DocumentStore) SearchChunks(
	ctx context.Context,
	filter knowledge.SearchFilter,
) ([]*knowledge.Chunk, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := s.ready(ctx, "search_chunks"); err != nil {
		return nil, err
	}
	chunks, err := s.coll.Find(ctx, CollectionQuery{
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

// FindSimilarChunks scans every embedded candidate of the requested parents.
// The threshold is applied before truncation, so the candidate window is the
// full filtered set rather than a multiple of the limit.
func (s *DocumentStore) FindSimilarChunks(
	ctx context.Context,
	query knowledge.SimilarityQuery,
) ([]knowledge.SimilarChunk, error) {
	if len(query.Vector) == 0 {
		return nil, knowledge.NewValidationError("find_similar_chunks", "", "query vector is required")
	}
	if err := s.ready(ctx, "find_similar_chunks"); err != nil {
		return nil, err
	}
	candidates, err := s.coll.Find(ctx, CollectionQuery{
		ParentIDs:     knowledge.MergeParentIDs("", query.ParentIDs),
		WithEmbedding: true,
	})
	if err != nil {
		return nil, knowledge.NewDependencyError("find_similar_chunks", "", err)
	}
	results := make([]knowledge.SimilarChunk, 0, len(candidates))
	skipped := 0
	for _, c := range candidates {
		if !c.HasEmbedding() {
			continue
		}
		if len(c.Embedding) != len(query.Vector) {
			skipped++
			continue
		}
		results = append(results, knowledge.SimilarChunk{
			Chunk:      *c,
			Similarity: CosineSimilarity(query.Vector, c.Embedding),
		})
	}
	if skipped > 0 {
		logger.FromContext(ctx).Warn(
			"Skipped chunks with a different embedding dimension",
			"skipped", skipped,
			"query_dimension", len(query.Vector),
		)
	}
	return rankSimilar(results, query.EffectiveThreshold(), query.EffectiveLimit()), nil
}

func (s *DocumentStore) Close(ctx context.Context) error {
	return s.coll.Close(ctx)
}

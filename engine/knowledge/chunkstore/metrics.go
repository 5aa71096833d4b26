package chunkstore

import (
	"context"
	"time"

	"github.com/aikb/aikb/engine/knowledge"
)

// instrumented records query latency and error counts for a Store.
type instrumented struct {
	next    Store
	backend string
}

// Instrument wraps store with otel latency and error metrics.
func Instrument(store Store, backend string) Store {
	return &instrumented{next: store, backend: backend}
}

func (s *instrumented) observe(ctx context.Context, op string, err error) {
	if err != nil {
		knowledge.RecordStoreError(ctx, s.backend, op)
	}
}

func (s *instrumented) SaveChunk(ctx context.Context, chunk *knowledge.Chunk) (*knowledge.Chunk, error) {
	out, err := s.next.SaveChunk(ctx, chunk)
	s.observe(ctx, "save_chunk", err)
	return out, err
}

func (s *instrumented) GetChunk(ctx context.Context, id string) (*knowledge.Chunk, error) {
	out, err := s.next.GetChunk(ctx, id)
	s.observe(ctx, "get_chunk", err)
	return out, err
}

func (s *instrumented) GetChunksByParent(ctx context.Context, parentID string) ([]*knowledge.Chunk, error) {
	out, err := s.next.GetChunksByParent(ctx, parentID)
	s.observe(ctx, "get_chunks_by_parent", err)
	return out, err
}

func (s *instrumented) UpdateChunk(ctx context.Context, chunk *knowledge.Chunk, fields ...knowledge.ChunkField) error {
	err := s.next.UpdateChunk(ctx, chunk, fields...)
	s.observe(ctx, "update_chunk", err)
	return err
}

func (s *instrumented) DeleteChunk(ctx context.Context, id string) (bool, error) {
	ok, err := s.next.DeleteChunk(ctx, id)
	s.observe(ctx, "delete_chunk", err)
	return ok, err
}

func (s *instrumented) DeleteChunksByParent(ctx context.Context, parentID string) (int, error) {
	n, err := s.next.DeleteChunksByParent(ctx, parentID)
	s.observe(ctx, "delete_chunks_by_parent", err)
	return n, err
}

func (s *instrumented) BatchUpsert(ctx context.Context, chunks []*knowledge.Chunk) error {
	err := s.next.BatchUpsert(ctx, chunks)
	s.observe(ctx, "batch_upsert", err)
	return err
}

func (s *instrumented) SearchChunks(ctx context.Context, filter knowledge.SearchFilter) ([]*knowledge.Chunk, error) {
	start := time.Now()
	out, err := s.next.SearchChunks(ctx, filter)
	knowledge.RecordQueryLatency(ctx, s.backend+".search_chunks", time.Since(start))
	s.observe(ctx, "search_chunks", err)
	return out, err
}

func (s *instrumented) FindSimilarChunks(
	ctx context.Context,
	query knowledge.SimilarityQuery,
) ([]knowledge.SimilarChunk, error) {
	start := time.Now()
	out, err := s.next.FindSimilarChunks(ctx, query)
	knowledge.RecordQueryLatency(ctx, s.backend+".find_similar_chunks", time.Since(start))
	s.observe(ctx, "find_similar_chunks", err)
	return out, err
}

func (s *instrumented) Close(ctx context.Context) error {
	return s.next.Close(ctx)
}

package chunkstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aikb/aikb/engine/knowledge"
)

type indexedChunk struct {
	chunk *knowledge.Chunk
	unit  []float64
}

// MemoryIndex is an in-process IndexClient. Embeddings are normalized at
// index time so scoring is a single dot product, the way a native index
// scores cosine.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	docs      map[string]indexedChunk
}

var _ IndexClient = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]indexedChunk)}
}

func (m *MemoryIndex) CreateIndex(_ context.Context, dimension int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimension != 0 && m.dimension != dimension {
		return fmt.Errorf("memory index: already created with dimension %d", m.dimension)
	}
	m.dimension = dimension
	return nil
}

func (m *MemoryIndex) BulkIndex(_ context.Context, chunks []*knowledge.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if c.HasEmbedding() && len(c.Embedding) != m.dimension {
			return fmt.Errorf("memory index: document %s has dimension %d, index has %d", c.ID, len(c.Embedding), m.dimension)
		}
	}
	for _, c := range chunks {
		entry := indexedChunk{chunk: c.Clone()}
		if c.HasEmbedding() {
			entry.unit = normalize(c.Embedding)
		}
		m.docs[c.ID] = entry
	}
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, id string) (*knowledge.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	return entry.chunk.Clone(), nil
}

func (m *MemoryIndex) Query(_ context.Context, query IndexQuery) ([]*knowledge.Chunk, error) {
	m.mu.RLock()
	matches := make([]*knowledge.Chunk, 0)
	for _, entry := range m.docs {
		if indexMatches(entry.chunk, query) {
			matches = append(matches, entry.chunk.Clone())
		}
	}
	m.mu.RUnlock()
	return limitChunks(matches, query.Limit), nil
}

func (m *MemoryIndex) DeleteByQuery(_ context.Context, query IndexQuery) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, entry := range m.docs {
		if indexMatches(entry.chunk, query) {
			delete(m.docs, id)
			count++
		}
	}
	return count, nil
}

func (m *MemoryIndex) VectorQuery(_ context.Context, search VectorSearch) ([]knowledge.SimilarChunk, error) {
	unit := normalize(search.Vector)
	if unit == nil {
		return nil, nil
	}
	m.mu.RLock()
	results := make([]knowledge.SimilarChunk, 0)
	for _, entry := range m.docs {
		if entry.unit == nil || len(entry.unit) != len(unit) {
			continue
		}
		if len(search.ParentIDs) > 0 && !slices.Contains(search.ParentIDs, entry.chunk.ParentID) {
			continue
		}
		var score float64
		for i := range unit {
			score += unit[i] * entry.unit[i]
		}
		if score < search.Threshold {
			continue
		}
		results = append(results, knowledge.SimilarChunk{Chunk: *entry.chunk.Clone(), Similarity: score})
	}
	m.mu.RUnlock()
	return rankSimilar(results, search.Threshold, search.Limit), nil
}

func (m *MemoryIndex) Close(context.Context) error {
	return nil
}

func indexMatches(c *knowledge.Chunk, query IndexQuery) bool {
	if len(query.IDs) > 0 && !slices.Contains(query.IDs, c.ID) {
		return false
	}
	return matchesQuery(c, CollectionQuery{
		ParentIDs: query.ParentIDs,
		ChunkType: query.ChunkType,
		Text:      query.Text,
	})
}

package chunkstore

import (
	"context"
	"slices"
	"sync"

	"github.com/aikb/aikb/engine/knowledge"
)

// MemoryCollection keeps documents in a map. Suitable for tests and
// single-process runs.
type MemoryCollection struct {
	mu   sync.RWMutex
	docs map[string]*knowledge.Chunk
}

var _ Collection = (*MemoryCollection)(nil)

func NewMemoryCollection() *MemoryCollection {
	return &MemoryCollection{docs: make(map[string]*knowledge.Chunk)}
}

func (m *MemoryCollection) EnsureSchema(context.Context) error {
	return nil
}

func (m *MemoryCollection) Put(_ context.Context, chunk *knowledge.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[chunk.ID] = chunk.Clone()
	return nil
}

func (m *MemoryCollection) PutMany(_ context.Context, chunks []*knowledge.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.docs[c.ID] = c.Clone()
	}
	return nil
}

func (m *MemoryCollection) Get(_ context.Context, id string) (*knowledge.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.docs[id].Clone(), nil
}

func (m *MemoryCollection) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return false, nil
	}
	delete(m.docs, id)
	return true, nil
}

func (m *MemoryCollection) DeleteByParent(_ context.Context, parentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, c := range m.docs {
		if c.ParentID == parentID {
			delete(m.docs, id)
			count++
		}
	}
	return count, nil
}

func (m *MemoryCollection) Find(_ context.Context, query CollectionQuery) ([]*knowledge.Chunk, error) {
	m.mu.RLock()
	matches := make([]*knowledge.Chunk, 0)
	for _, c := range m.docs {
		if matchesQuery(c, query) {
			matches = append(matches, c.Clone())
		}
	}
	m.mu.RUnlock()
	return limitChunks(matches, query.Limit), nil
}

func (m *MemoryCollection) Close(context.Context) error {
	return nil
}

// matchesQuery evaluates a CollectionQuery in application code.
func matchesQuery(c *knowledge.Chunk, query CollectionQuery) bool {
	if query.WithEmbedding && !c.HasEmbedding() {
		return false
	}
	if len(query.ParentIDs) > 0 && !slices.Contains(query.ParentIDs, c.ParentID) {
		return false
	}
	return knowledge.SearchFilter{Query: query.Text, ChunkType: query.ChunkType}.Matches(c)
}

// limitChunks orders by parent and index before truncating.
func limitChunks(chunks []*knowledge.Chunk, limit int) []*knowledge.Chunk {
	sortByIndex(chunks)
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks
}

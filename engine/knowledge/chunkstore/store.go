package chunkstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aikb/aikb/engine/core"
	"github.com/aikb/aikb/engine/knowledge"
)

// Store persists chunk records. Both backends honour the same contract:
// absence is reported as nil, false or an empty slice, never as an error.
type Store interface {
	// SaveChunk upserts by id and assigns one when absent.
	SaveChunk(ctx context.Context, chunk *knowledge.Chunk) (*knowledge.Chunk, error)
	GetChunk(ctx context.Context, id string) (*knowledge.Chunk, error)
	// GetChunksByParent returns the parent's chunks ordered by index.
	GetChunksByParent(ctx context.Context, parentID string) ([]*knowledge.Chunk, error)
	// UpdateChunk overlays the non-zero fields of chunk onto the stored record.
	// When fields are named only those are written, zero values included, so
	// FieldIndex can move a chunk to index 0 and FieldEmbedding with a nil
	// vector drops the embedding. Metadata keys are always merged.
	UpdateChunk(ctx context.Context, chunk *knowledge.Chunk, fields ...knowledge.ChunkField) error
	DeleteChunk(ctx context.Context, id string) (bool, error)
	DeleteChunksByParent(ctx context.Context, parentID string) (int, error)
	// BatchUpsert is best effort; callers needing a consistent set delete the
	// parent first under a per-parent lock.
	BatchUpsert(ctx context.Context, chunks []*knowledge.Chunk) error
	SearchChunks(ctx context.Context, filter knowledge.SearchFilter) ([]*knowledge.Chunk, error)
	FindSimilarChunks(ctx context.Context, query knowledge.SimilarityQuery) ([]knowledge.SimilarChunk, error)
	Close(ctx context.Context) error
}

// clock is swapped in tests.
var clock = func() time.Time { return time.Now().UTC() }

// prepareChunk validates a chunk for writing and fills derived fields.
func prepareChunk(op string, c *knowledge.Chunk, now time.Time) error {
	if c == nil {
		return knowledge.NewValidationError(op, "", "chunk is required")
	}
	if strings.TrimSpace(c.ParentID) == "" {
		return knowledge.NewValidationError(op, "", "parent id is required")
	}
	if strings.TrimSpace(c.Content) == "" {
		return knowledge.NewValidationError(op, c.ParentID, "content must not be empty")
	}
	if c.Index < 0 {
		return knowledge.NewValidationError(op, c.ParentID, "index must not be negative")
	}
	if c.ID == "" {
		id, err := core.NewID()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		c.ID = id.String()
	}
	if c.Metadata == nil {
		c.Metadata = knowledge.Metadata{}
	}
	c.Metadata[knowledge.MetaWordCount] = knowledge.WordCount(c.Content)
	if len(c.Embedding) == 0 {
		c.Embedding = nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return nil
}

// mergeUpdate applies patch to existing: every non-zero field, or exactly the
// named fields. Identity, parent and creation time never change.
func mergeUpdate(existing, patch *knowledge.Chunk, now time.Time, fields []knowledge.ChunkField) (*knowledge.Chunk, error) {
	const op = "update_chunk"
	set := func(f knowledge.ChunkField, nonZero bool) bool {
		if len(fields) == 0 {
			return nonZero
		}
		return slices.Contains(fields, f)
	}
	out := existing.Clone()
	if set(knowledge.FieldTitle, patch.Title != "") {
		out.Title = patch.Title
	}
	if set(knowledge.FieldContent, patch.Content != "") {
		if strings.TrimSpace(patch.Content) == "" {
			return nil, knowledge.NewValidationError(op, existing.ParentID, "content must not be empty")
		}
		out.Content = patch.Content
	}
	if set(knowledge.FieldIndex, patch.Index > 0) {
		if patch.Index < 0 {
			return nil, knowledge.NewValidationError(op, existing.ParentID, "index must not be negative")
		}
		out.Index = patch.Index
	}
	if set(knowledge.FieldEmbedding, patch.Embedding != nil) {
		out.Embedding = core.CloneVector(patch.Embedding)
	}
	if out.Metadata == nil {
		out.Metadata = knowledge.Metadata{}
	}
	maps.Copy(out.Metadata, patch.Metadata)
	out.Metadata[knowledge.MetaWordCount] = knowledge.WordCount(out.Content)
	out.UpdatedAt = now
	return out, nil
}

func sortByIndex(chunks []*knowledge.Chunk) {
	slices.SortStableFunc(chunks, func(a, b *knowledge.Chunk) int {
		if c := cmp.Compare(a.ParentID, b.ParentID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// rankSimilar drops NaN and below-threshold scores, orders by similarity
// descending then id ascending, and truncates to limit.
func rankSimilar(results []knowledge.SimilarChunk, threshold float64, limit int) []knowledge.SimilarChunk {
	kept := results[:0]
	for i := range results {
		score := results[i].Similarity
		if math.IsNaN(score) || score < threshold {
			continue
		}
		kept = append(kept, results[i])
	}
	slices.SortStableFunc(kept, func(a, b knowledge.SimilarChunk) int {
		if a.Similarity != b.Similarity {
			return cmp.Compare(b.Similarity, a.Similarity)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func cloneChunks(chunks []*knowledge.Chunk) []*knowledge.Chunk {
	out := make([]*knowledge.Chunk, len(chunks))
	for i := range chunks {
		out[i] = chunks[i].Clone()
	}
	return out
}

// lazyInit runs schema creation on first use. A failed attempt is retried on
// the next call.
type lazyInit struct {
	mu   sync.Mutex
	done bool
}

func (l *lazyInit) Do(ctx context.Context, fn func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	l.done = true
	return nil
}

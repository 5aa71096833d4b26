package knowledge

import (
	"strings"
	"time"

	"github.com/aikb/aikb/engine/core"
)

const (
	MetaChunkType   = "chunkType"
	MetaWordCount   = "wordCount"
	MetaChunkConfig = "chunkConfig"

	DefaultSearchLimit         = 100
	DefaultSimilarityLimit     = 10
	DefaultSimilarityThreshold = 0.7
)

// Metadata is a string-keyed map of JSON-serialisable values attached to a chunk.
type Metadata map[string]any

// ChunkType returns the strategy name that produced the chunk.
func (m Metadata) ChunkType() string {
	if m == nil {
		return ""
	}
	v, _ := m[MetaChunkType].(string)
	return v
}

// WordCount returns the stored word count, tolerating JSON round-trips.
func (m Metadata) WordCount() int {
	if m == nil {
		return 0
	}
	switch v := m[MetaWordCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (m Metadata) Clone() Metadata {
	return core.CloneMap(m)
}

// ChunkField names a mutable chunk field for masked updates.
type ChunkField string

const (
	FieldTitle     ChunkField = "title"
	FieldContent   ChunkField = "content"
	FieldIndex     ChunkField = "index"
	FieldEmbedding ChunkField = "embedding"
)

// Chunk is one retrievable segment of a parent document.
type Chunk struct {
	ID        string    `json:"id"                  db:"id"`
	ParentID  string    `json:"parentId"            db:"parent_id"`
	Title     string    `json:"title"               db:"title"`
	Content   string    `json:"content"             db:"content"`
	Index     int       `json:"index"               db:"chunk_index"`
	Embedding []float32 `json:"embedding,omitempty" db:"-"`
	Metadata  Metadata  `json:"metadata,omitempty"  db:"-"`
	CreatedAt time.Time `json:"createdAt"           db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt"           db:"updated_at"`
}

// HasEmbedding reports whether the chunk can take part in similarity search.
func (c *Chunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	out := *c
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	out.Metadata = c.Metadata.Clone()
	return &out
}

// WordCount splits content on whitespace.
func WordCount(content string) int {
	return len(strings.Fields(content))
}

// SimilarChunk is a chunk ranked against a query vector.
type SimilarChunk struct {
	Chunk
	Similarity float64 `json:"similarity"`
}

// SearchFilter narrows keyword search. Limit <= 0 means DefaultSearchLimit.
type SearchFilter struct {
	Query     string   `json:"query,omitempty"`
	ParentID  string   `json:"parentId,omitempty"`
	ParentIDs []string `json:"parentIds,omitempty"`
	ChunkType string   `json:"chunkType,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// EffectiveLimit resolves the default limit.
func (f SearchFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultSearchLimit
	}
	return f.Limit
}

// Parents merges ParentID and ParentIDs, dropping blanks and duplicates.
func (f SearchFilter) Parents() []string {
	return MergeParentIDs(f.ParentID, f.ParentIDs)
}

// Validate rejects filters that cannot be satisfied.
func (f SearchFilter) Validate() error {
	if f.Limit < 0 {
		return NewValidationError("search_chunks", "", "limit must not be negative")
	}
	return nil
}

// Matches applies the filter to a single chunk in application code.
func (f SearchFilter) Matches(c *Chunk) bool {
	if parents := f.Parents(); len(parents) > 0 && !containsString(parents, c.ParentID) {
		return false
	}
	if f.ChunkType != "" && c.Metadata.ChunkType() != f.ChunkType {
		return false
	}
	query := strings.ToLower(strings.TrimSpace(f.Query))
	if query == "" {
		return true
	}
	return strings.Contains(strings.ToLower(c.Title), query) ||
		strings.Contains(strings.ToLower(c.Content), query)
}

// SimilarityQuery parameterises vector search. A nil Threshold means
// DefaultSimilarityThreshold and Limit <= 0 means DefaultSimilarityLimit.
type SimilarityQuery struct {
	Vector    []float32
	Limit     int
	Threshold *float64
	ParentIDs []string
}

func (q SimilarityQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultSimilarityLimit
	}
	return q.Limit
}

func (q SimilarityQuery) EffectiveThreshold() float64 {
	if q.Threshold == nil {
		return DefaultSimilarityThreshold
	}
	return *q.Threshold
}

// Threshold returns a pointer for SimilarityQuery.Threshold.
func Threshold(v float64) *float64 {
	return &v
}

func MergeParentIDs(single string, many []string) []string {
	out := make([]string, 0, len(many)+1)
	seen := make(map[string]struct{}, len(many)+1)
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(single)
	for _, id := range many {
		add(id)
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

package retriever_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/engine/knowledge/chunkstore"
	"github.com/aikb/aikb/engine/knowledge/retriever"
)

type stubEmbedder struct {
	vector []float32
	fail   bool
}

func (s *stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if s.fail {
		return nil, errors.New("embed query failed")
	}
	return s.vector, nil
}

type failingStore struct {
	chunkstore.Store
}

func (failingStore) FindSimilarChunks(context.Context, knowledge.SimilarityQuery) ([]knowledge.SimilarChunk, error) {
	return nil, errors.New("backend down")
}

func seed(t *testing.T) chunkstore.Store {
	t.Helper()
	store, err := chunkstore.NewDocumentStore(chunkstore.NewMemoryCollection())
	require.NoError(t, err)
	rows := []struct {
		id, parent, title, content string
		index                      int
		emb                        []float32
	}{
		{"a0", "a", "Intro", "neural networks overview", 0, []float32{1, 0, 0}},
		{"a1", "a", "Methods", "we trained networks", 1, []float32{0.9, 0.1, 0}},
		{"b0", "b", "Intro", "graph databases", 0, []float32{0.95, 0.05, 0}},
		{"b1", "b", "Results", "latency numbers", 1, []float32{0, 1, 0}},
		{"c0", "c", "Notes", "no vector here about networks", 0, nil},
	}
	for _, r := range rows {
		_, err := store.SaveChunk(t.Context(), &knowledge.Chunk{
			ID:        r.id,
			ParentID:  r.parent,
			Title:     r.title,
			Content:   r.content,
			Index:     r.index,
			Embedding: r.emb,
			Metadata:  knowledge.Metadata{knowledge.MetaChunkType: "h1"},
		})
		require.NoError(t, err)
	}
	return store
}

func ids(results []knowledge.SimilarChunk) []string {
	out := make([]string, len(results))
	for i := range results {
		out[i] = results[i].ID
	}
	return out
}

func TestServiceSearch(t *testing.T) {
	t.Run("Should search keywords across parents and within one", func(t *testing.T) {
		svc, err := retriever.NewService(seed(t), nil)
		require.NoError(t, err)
		all, err := svc.SearchChunks(t.Context(), knowledge.SearchFilter{Query: "networks"})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		inParent, err := svc.SearchChunksInParent(t.Context(), "a", "NETWORKS", 1)
		require.NoError(t, err)
		require.Len(t, inParent, 1)
		assert.Equal(t, "a", inParent[0].ParentID)
	})
	t.Run("Should require a parent for the in-parent helpers", func(t *testing.T) {
		svc, err := retriever.NewService(seed(t), nil)
		require.NoError(t, err)
		_, err = svc.SearchChunksInParent(t.Context(), "", "x", 1)
		assert.ErrorIs(t, err, knowledge.ErrValidation)
		_, err = svc.FindSimilarChunksInParent(t.Context(), "", []float32{1, 0, 0}, 1, nil)
		assert.ErrorIs(t, err, knowledge.ErrValidation)
	})
}

func TestServiceSimilarity(t *testing.T) {
	query := []float32{1, 0, 0}
	t.Run("Should rank within a parent", func(t *testing.T) {
		svc, err := retriever.NewService(seed(t), nil)
		require.NoError(t, err)
		got, err := svc.FindSimilarChunksInParent(t.Context(), "a", query, 5, knowledge.Threshold(0.5))
		require.NoError(t, err)
		assert.Equal(t, []string{"a0", "a1"}, ids(got))
	})
	t.Run("Should merge per-parent results by score and truncate", func(t *testing.T) {
		svc, err := retriever.NewService(seed(t), nil)
		require.NoError(t, err)
		got, err := svc.FindSimilarGlobal(t.Context(), query, 2, knowledge.Threshold(0.5), []string{"b", "a", "a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a0", "b0"}, ids(got))
		assert.GreaterOrEqual(t, got[0].Similarity, got[1].Similarity)
	})
	t.Run("Should match the store's cross-parent ranking", func(t *testing.T) {
		store := seed(t)
		svc, err := retriever.NewService(store, nil)
		require.NoError(t, err)
		merged, err := svc.FindSimilarGlobal(t.Context(), query, 10, knowledge.Threshold(0), []string{"a", "b", "c"})
		require.NoError(t, err)
		native, err := svc.FindSimilarGlobal(t.Context(), query, 10, knowledge.Threshold(0), nil)
		require.NoError(t, err)
		assert.Equal(t, ids(native), ids(merged))
	})
	t.Run("Should propagate a failing parent query", func(t *testing.T) {
		svc, err := retriever.NewService(failingStore{Store: seed(t)}, nil)
		require.NoError(t, err)
		_, err = svc.FindSimilarGlobal(t.Context(), query, 2, nil, []string{"a", "b"})
		assert.ErrorContains(t, err, "backend down")
	})
	t.Run("Should embed text queries before searching", func(t *testing.T) {
		svc, err := retriever.NewService(seed(t), &stubEmbedder{vector: []float32{0, 1, 0}})
		require.NoError(t, err)
		got, err := svc.FindSimilarByText(t.Context(), "latency", 1, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"b1"}, ids(got))
	})
	t.Run("Should surface embedding failures as dependency errors", func(t *testing.T) {
		svc, err := retriever.NewService(seed(t), &stubEmbedder{fail: true})
		require.NoError(t, err)
		_, err = svc.FindSimilarByText(t.Context(), "latency", 1, nil, nil)
		assert.ErrorIs(t, err, knowledge.ErrDependency)

		plain, err := retriever.NewService(seed(t), nil)
		require.NoError(t, err)
		_, err = plain.FindSimilarByText(t.Context(), "latency", 1, nil, nil)
		assert.Error(t, err)
	})
	t.Run("Should reject a nil store", func(t *testing.T) {
		_, err := retriever.NewService(nil, nil)
		assert.Error(t, err)
	})
}

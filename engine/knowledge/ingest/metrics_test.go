package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/engine/knowledge/chunk"
	"github.com/aikb/aikb/engine/knowledge/chunkstore"
	"github.com/aikb/aikb/engine/knowledge/embedder"
	"github.com/aikb/aikb/engine/knowledge/source"
)

type unitEmbeddings struct{}

func (unitEmbeddings) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (unitEmbeddings) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func withManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	knowledge.ResetMetricsForTesting()
	t.Cleanup(func() {
		otel.SetMeterProvider(previous)
		knowledge.ResetMetricsForTesting()
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func embeddingCount(t *testing.T, reader *sdkmetric.ManualReader, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "aikb_ingest_embeddings_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("outcome")); ok && v.AsString() == outcome {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestEmbeddingMetrics(t *testing.T) {
	t.Run("Should count each chunk vector once through the real adapter", func(t *testing.T) {
		reader := withManualReader(t)
		adapter, err := embedder.Wrap(&embedder.Config{
			Provider:  embedder.ProviderOpenAI,
			Model:     "test-model",
			Dimension: 3,
			BatchSize: 8,
		}, unitEmbeddings{})
		require.NoError(t, err)
		store, err := chunkstore.NewDocumentStore(chunkstore.NewMemoryCollection())
		require.NoError(t, err)
		src := source.NewMemory()
		require.NoError(t, src.SaveMarkdown(t.Context(), "doc", exampleMarkdown))
		orch, err := NewOrchestrator(src, chunk.NewDefaultRegistry(), adapter, store, nil, Options{})
		require.NoError(t, err)

		result, err := orch.ProcessItemChunks(t.Context(), "doc", chunk.StrategyH1, nil)
		require.NoError(t, err)
		require.Equal(t, 2, result.Embedded)
		assert.EqualValues(t, 2, embeddingCount(t, reader, "ok"))

		_, err = adapter.EmbedQuery(t.Context(), "hello")
		require.NoError(t, err)
		assert.EqualValues(t, 2, embeddingCount(t, reader, "ok"))
	})
}

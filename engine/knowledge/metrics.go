package knowledge

import (
	"context"
	"sync"
	"time"

	"github.com/aikb/aikb/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsMu            sync.Mutex
	metricsInitErr       error
	processDurationHist  metric.Float64Histogram
	chunkCounter         metric.Int64Counter
	embeddingCounter     metric.Int64Counter
	queryLatencyHist     metric.Float64Histogram
	storeErrorCounter    metric.Int64Counter
	parentFailureCounter metric.Int64Counter
)

// RecordProcessDuration tracks one chunk/embed/persist run for a parent.
func RecordProcessDuration(ctx context.Context, strategy string, d time.Duration, outcome string) {
	if err := ensureMetrics(); err != nil || processDurationHist == nil {
		return
	}
	processDurationHist.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	))
}

func RecordChunks(ctx context.Context, strategy string, chunks int) {
	if chunks <= 0 {
		return
	}
	if err := ensureMetrics(); err != nil || chunkCounter == nil {
		return
	}
	chunkCounter.Add(ctx, int64(chunks), metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordEmbeddings counts chunk vectors by outcome ("ok" or "failed"). Only
// the orchestrator records it, so query embeddings are not counted.
func RecordEmbeddings(ctx context.Context, outcome string, count int) {
	if count <= 0 {
		return
	}
	if err := ensureMetrics(); err != nil || embeddingCounter == nil {
		return
	}
	embeddingCounter.Add(ctx, int64(count), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordQueryLatency(ctx context.Context, operation string, d time.Duration) {
	if err := ensureMetrics(); err != nil || queryLatencyHist == nil {
		return
	}
	queryLatencyHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("operation", operation)))
}

func RecordStoreError(ctx context.Context, backend string, operation string) {
	if err := ensureMetrics(); err != nil || storeErrorCounter == nil {
		return
	}
	storeErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}

func RecordParentFailures(ctx context.Context, count int) {
	if count <= 0 {
		return
	}
	if err := ensureMetrics(); err != nil || parentFailureCounter == nil {
		return
	}
	parentFailureCounter.Add(ctx, int64(count))
}

func ResetMetricsForTesting() {
	metricsMu.Lock()
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	processDurationHist = nil
	chunkCounter = nil
	embeddingCounter = nil
	queryLatencyHist = nil
	storeErrorCounter = nil
	parentFailureCounter = nil
	metricsMu.Unlock()
}

func ensureMetrics() error {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("aikb.knowledge")
		if err := initProcessingMetrics(meter); err != nil {
			metricsInitErr = err
			return
		}
		if err := initQueryMetrics(meter); err != nil {
			metricsInitErr = err
		}
	})
	return metricsInitErr
}

func initProcessingMetrics(meter metric.Meter) error {
	var err error
	processDurationHist, err = meter.Float64Histogram(
		metrics.MetricNameWithSubsystem("ingest", "process_duration_seconds"),
		metric.WithDescription("Latency of chunking runs for one parent"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}
	chunkCounter, err = meter.Int64Counter(
		metrics.MetricNameWithSubsystem("ingest", "chunks_total"),
		metric.WithDescription("Number of chunks persisted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	embeddingCounter, err = meter.Int64Counter(
		metrics.MetricNameWithSubsystem("ingest", "embeddings_total"),
		metric.WithDescription("Number of embedding slots requested, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	parentFailureCounter, err = meter.Int64Counter(
		metrics.MetricNameWithSubsystem("ingest", "parent_failures_total"),
		metric.WithDescription("Number of parents that failed during batch reprocessing"),
		metric.WithUnit("1"),
	)
	return err
}

func initQueryMetrics(meter metric.Meter) error {
	var err error
	queryLatencyHist, err = meter.Float64Histogram(
		metrics.MetricNameWithSubsystem("retriever", "query_latency_seconds"),
		metric.WithDescription("Latency of chunk retrieval queries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}
	storeErrorCounter, err = meter.Int64Counter(
		metrics.MetricNameWithSubsystem("chunkstore", "errors_total"),
		metric.WithDescription("Number of chunk store operations that failed"),
		metric.WithUnit("1"),
	)
	return err
}

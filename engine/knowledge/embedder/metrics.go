package embedder

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
	metricsOnce      sync.Once
	metricsInitErr   error
	batchLatencyHist metric.Float64Histogram
)

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("aikb.knowledge.embedder")
		batchLatencyHist, metricsInitErr = meter.Float64Histogram(
			metrics.MetricNameWithSubsystem("embedder", "batch_duration_seconds"),
			metric.WithDescription("Latency of embedding batch calls including retries"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(.05, .1, .25, .5, 1, 2.5, 5, 10, 30),
		)
	})
	return metricsInitErr
}

func recordBatchLatency(ctx context.Context, provider string, d time.Duration, ok bool) {
	if err := ensureMetrics(); err != nil || batchLatencyHist == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	batchLatencyHist.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

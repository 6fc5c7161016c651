package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/telemetry"
)

type metrics struct {
	runsStarted     metric.Int64Counter
	runsCompleted   metric.Int64Counter
	runsFailed      metric.Int64Counter
	runsCancelled   metric.Int64Counter
	stageDuration   metric.Float64Histogram
	providerRetries metric.Int64Counter
}

func newMetrics() *metrics {
	meter := telemetry.Meter("metsuke/pipeline")
	m := &metrics{}
	m.runsStarted, _ = meter.Int64Counter("metsuke.runs.started",
		metric.WithDescription("Pipeline runs accepted"))
	m.runsCompleted, _ = meter.Int64Counter("metsuke.runs.completed",
		metric.WithDescription("Pipeline runs that passed every stage"))
	m.runsFailed, _ = meter.Int64Counter("metsuke.runs.failed",
		metric.WithDescription("Pipeline runs that ended in failure"))
	m.runsCancelled, _ = meter.Int64Counter("metsuke.runs.cancelled",
		metric.WithDescription("Pipeline runs cancelled by callers"))
	m.stageDuration, _ = meter.Float64Histogram("metsuke.stage.duration",
		metric.WithDescription("Wall time of one stage execution"),
		metric.WithUnit("ms"))
	m.providerRetries, _ = meter.Int64Counter("metsuke.provider.retries",
		metric.WithDescription("Stage attempts retried after transport or envelope failures"))
	return m
}

func (m *metrics) recordStage(ctx context.Context, eye model.Eye, durationMs int64, outcome string) {
	m.stageDuration.Record(ctx, float64(durationMs),
		metric.WithAttributes(
			attribute.String("eye", string(eye)),
			attribute.String("outcome", outcome),
		))
}

package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/playbookd/internal/embeddings"

// Metrics records embedding calls per backend and how often the similarity
// cache spares one.
type Metrics struct {
	logger   *zap.Logger
	duration metric.Float64Histogram
	texts    metric.Int64Counter
	lookups  metric.Int64Counter
}

// NewMetrics creates embedding metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger}

	var err error
	m.duration, err = meter.Float64Histogram("playbookd.embedding.call_duration_seconds",
		metric.WithDescription("Embedding call latency by backend, call and outcome"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 10))
	if err != nil {
		logger.Warn("failed to create embedding duration histogram", zap.Error(err))
	}
	m.texts, err = meter.Int64Counter("playbookd.embedding.texts_total",
		metric.WithDescription("Texts sent to an embedding backend"),
		metric.WithUnit("{text}"))
	if err != nil {
		logger.Warn("failed to create embedding texts counter", zap.Error(err))
	}
	m.lookups, err = meter.Int64Counter("playbookd.embedding.cache_lookups_total",
		metric.WithDescription("Similarity cache lookups by result (hit, miss)"),
		metric.WithUnit("{lookup}"))
	if err != nil {
		logger.Warn("failed to create cache lookups counter", zap.Error(err))
	}
	return m
}

// RecordCall records one Embed or BatchEmbed call.
func (m *Metrics) RecordCall(ctx context.Context, backend, call string, texts int, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("call", call),
			attribute.String("outcome", outcome)))
	}
	if m.texts != nil && texts > 0 {
		m.texts.Add(ctx, int64(texts), metric.WithAttributes(attribute.String("backend", backend)))
	}
}

// RecordCacheLookup records whether a vector came from the cache.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil || m.lookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// instrumented records every call of the wrapped provider.
type instrumented struct {
	Provider
	backend string
	metrics *Metrics
}

// Instrument wraps p so every embedding call is recorded under backend.
// The disabled provider is returned unchanged.
func Instrument(p Provider, backend string, m *Metrics) Provider {
	if IsDisabled(p) || m == nil {
		return p
	}
	return &instrumented{Provider: p, backend: backend, metrics: m}
}

func (i *instrumented) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	v, err := i.Provider.Embed(ctx, text)
	i.metrics.RecordCall(ctx, i.backend, "embed", 1, time.Since(start), err)
	return v, err
}

func (i *instrumented) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	v, err := i.Provider.BatchEmbed(ctx, texts)
	i.metrics.RecordCall(ctx, i.backend, "batch", len(texts), time.Since(start), err)
	return v, err
}

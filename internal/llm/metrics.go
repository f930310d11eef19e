package llm

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/playbookd/internal/llm"

// Metrics records model usage.
type Metrics struct {
	requests     metric.Int64Counter
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewMetrics creates LLM metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var err error
	if m.requests, err = meter.Int64Counter("playbookd.llm.requests_total",
		metric.WithDescription("Anthropic API calls by operation and status"),
		metric.WithUnit("{request}")); err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}
	if m.inputTokens, err = meter.Int64Counter("playbookd.llm.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}")); err != nil {
		logger.Warn("failed to create input token counter", zap.Error(err))
	}
	if m.outputTokens, err = meter.Int64Counter("playbookd.llm.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}")); err != nil {
		logger.Warn("failed to create output token counter", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram("playbookd.llm.request_duration_seconds",
		metric.WithDescription("Anthropic API request duration"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	return m
}

// RecordCall records one API attempt.
func (m *Metrics) RecordCall(ctx context.Context, model, operation string, d time.Duration, msg *anthropic.Message, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	base := []attribute.KeyValue{attribute.String("model", model), attribute.String("operation", operation)}
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(append(base, attribute.String("status", status))...))
	}
	attrs := metric.WithAttributes(base...)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if msg == nil {
		return
	}
	if m.inputTokens != nil {
		m.inputTokens.Add(ctx, msg.Usage.InputTokens, attrs)
	}
	if m.outputTokens != nil {
		m.outputTokens.Add(ctx, msg.Usage.OutputTokens, attrs)
	}
}

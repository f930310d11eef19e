package curation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/playbookd/internal/curation"

// Metrics records curation outcomes.
type Metrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	decisions  metric.Int64Counter
	conflicts  metric.Int64Counter
	promotions metric.Int64Counter
	inversions metric.Int64Counter
	pruned     metric.Int64Counter
}

// NewMetrics creates curation metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	m.decisions = m.counter("playbookd.curation.decisions_total", "Curation decisions by phase and action", "{decision}")
	m.conflicts = m.counter("playbookd.curation.conflicts_total", "Adds matched to an existing bullet by embedding, by resolution", "{bullet}")
	m.promotions = m.counter("playbookd.curation.promotions_total", "Maturity promotions by target maturity", "{bullet}")
	m.inversions = m.counter("playbookd.curation.inversions_total", "Rules inverted into anti-patterns", "{bullet}")
	m.pruned = m.counter("playbookd.curation.pruned_total", "Bullets deprecated automatically", "{bullet}")
	return m
}

func (m *Metrics) counter(name, desc, unit string) metric.Int64Counter {
	c, err := m.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		m.logger.Warn("failed to create counter", zap.String("name", name), zap.Error(err))
		return nil
	}
	return c
}

// RecordRun records the outcome of one Curate call.
func (m *Metrics) RecordRun(ctx context.Context, r *Result) {
	if m.decisions != nil {
		for _, d := range r.DecisionLog {
			m.decisions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase", string(d.Phase)),
				attribute.String("action", string(d.Action)),
			))
		}
	}
	if m.conflicts != nil {
		for _, c := range r.Conflicts {
			m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("resolution", string(c.Resolution))))
		}
	}
	if m.promotions != nil {
		for _, p := range r.Promotions {
			m.promotions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(p.To))))
		}
	}
	if m.inversions != nil && len(r.Inversions) > 0 {
		m.inversions.Add(ctx, int64(len(r.Inversions)))
	}
	if m.pruned != nil && len(r.Pruned) > 0 {
		m.pruned.Add(ctx, int64(len(r.Pruned)))
	}
}

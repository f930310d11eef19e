package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
)

// Telemetry owns the MeterProvider and its shutdown.
type Telemetry struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	logger        *zap.Logger
	degraded      bool
}

// Option configures New.
type Option func(*options)

type options struct {
	reader sdkmetric.Reader
	global bool
}

// WithReader replaces the OTLP exporter with reader, typically a
// ManualReader in tests.
func WithReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.reader = r }
}

// WithoutGlobal keeps the provider out of otel.SetMeterProvider.
func WithoutGlobal() Option {
	return func(o *options) { o.global = false }
}

// New builds the MeterProvider and installs it globally. Exporter errors
// do not fail startup; the instance reports itself degraded and the
// global no-op provider stays in place.
func New(ctx context.Context, cfg *Config, logger *zap.Logger, opts ...Option) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &options{global: true}
	for _, opt := range opts {
		opt(o)
	}

	t := &Telemetry{config: cfg, logger: logger}
	if !cfg.Enabled && o.reader == nil {
		return t, nil
	}

	reader := o.reader
	if reader == nil {
		exp, err := newExporter(ctx, cfg)
		if err != nil {
			t.degraded = true
			logger.Warn("metric exporter unavailable, telemetry degraded", zap.Error(err))
			return t, nil
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.ExportInterval))
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		)),
		sdkmetric.WithReader(reader),
	)
	if o.global {
		otel.SetMeterProvider(t.meterProvider)
	}
	logger.Info("telemetry enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol))
	return t, nil
}

func newExporter(ctx context.Context, cfg *Config) (sdkmetric.Exporter, error) {
	// Cumulative temporality keeps Prometheus-compatible backends happy
	// regardless of OTEL_EXPORTER_OTLP_METRICS_TEMPORALITY_PREFERENCE.
	cumulative := func(sdkmetric.InstrumentKind) metricdata.Temporality {
		return metricdata.CumulativeTemporality
	}

	switch cfg.Protocol {
	case ProtocolHTTP:
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetricgrpc.WithTemporalitySelector(cumulative),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	}
}

// Meter returns a meter from the configured provider, or from the global
// provider when telemetry is off.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Enabled reports whether metrics are being exported.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.meterProvider != nil
}

// Degraded reports whether telemetry was requested but could not start.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded
}

// ForceFlush exports pending metrics immediately.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.meterProvider.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider, bounded by the configured
// timeout when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	return nil
}

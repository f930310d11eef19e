package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/curation"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/playbookd/internal/http"

// Write outcomes reported by RecordWrite.
const (
	outcomeChanged   = "changed"
	outcomeUnchanged = "unchanged"
	outcomeDryRun    = "dry_run"
	outcomeFailed    = "failed"
)

// Metrics records API traffic per named route and what each playbook
// write through the API did.
type Metrics struct {
	logger   *zap.Logger
	requests metric.Int64Counter
	duration metric.Float64Histogram
	writes   metric.Int64Counter
	deltas   metric.Int64Counter
}

// NewMetrics creates API metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger}

	var err error
	m.requests, err = meter.Int64Counter("playbookd.http.requests_total",
		metric.WithDescription("API requests by route name and status class"),
		metric.WithUnit("{request}"))
	if err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}
	m.duration, err = meter.Float64Histogram("playbookd.http.request_duration_seconds",
		metric.WithDescription("API request latency by route name; reflect includes LLM round trips"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120))
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	m.writes, err = meter.Int64Counter("playbookd.http.playbook_writes_total",
		metric.WithDescription("Feedback, curate and reflect calls by outcome"),
		metric.WithUnit("{write}"))
	if err != nil {
		logger.Warn("failed to create writes counter", zap.Error(err))
	}
	m.deltas, err = meter.Int64Counter("playbookd.http.deltas_total",
		metric.WithDescription("Deltas reconciled through the API by result"),
		metric.WithUnit("{delta}"))
	if err != nil {
		logger.Warn("failed to create deltas counter", zap.Error(err))
	}
	return m
}

// Middleware records every request under the name routeName returns for
// the matched route template. Raw URLs never become labels.
func (m *Metrics) Middleware(routeName func(method, path string) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			attrs := metric.WithAttributes(
				attribute.String("route", routeName(req.Method, c.Path())),
				attribute.String("status_class", statusClass(status)),
			)
			if m.requests != nil {
				m.requests.Add(req.Context(), 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(req.Context(), time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// RecordWrite records one write made through route. res is nil when the
// engine call failed.
func (m *Metrics) RecordWrite(ctx context.Context, route string, res *curation.Result, dryRun bool) {
	outcome := outcomeFailed
	switch {
	case res == nil:
	case dryRun:
		outcome = outcomeDryRun
	case res.Applied > 0:
		outcome = outcomeChanged
	default:
		outcome = outcomeUnchanged
	}
	if m.writes != nil {
		m.writes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("outcome", outcome)))
	}
	if res == nil || m.deltas == nil {
		return
	}
	for result, n := range map[string]int{
		"applied":  res.Applied,
		"skipped":  res.Skipped,
		"conflict": len(res.Conflicts),
	} {
		if n > 0 {
			m.deltas.Add(ctx, int64(n), metric.WithAttributes(
				attribute.String("route", route),
				attribute.String("result", result)))
		}
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/playbookd/internal/curation"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return newMetrics(mp.Meter(httpInstrumentationName), nil), reader
}

// sums collects an int64 counter keyed by the joined values of keys.
func sums(t *testing.T, reader *sdkmetric.ManualReader, name string, keys ...string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				label := ""
				for i, k := range keys {
					v, _ := dp.Attributes.Value(attribute.Key(k))
					if i > 0 {
						label += "/"
					}
					label += v.AsString()
				}
				out[label] += dp.Value
			}
		}
	}
	return out
}

func TestMiddlewareLabelsByRouteName(t *testing.T) {
	m, reader := newTestMetrics(t)
	names := map[string]string{"GET /api/v1/bullets/:id": routeBullet}

	e := echo.New()
	e.Use(m.Middleware(func(method, path string) string {
		if n, ok := names[method+" "+path]; ok {
			return n
		}
		return routeUnmatched
	}))
	e.GET("/api/v1/bullets/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return c.NoContent(http.StatusNotFound)
		}
		return c.String(http.StatusOK, c.Param("id"))
	})

	for _, target := range []string{"/api/v1/bullets/a", "/api/v1/bullets/b", "/api/v1/bullets/missing", "/nowhere"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	got := sums(t, reader, "playbookd.http.requests_total", "route", "status_class")
	assert.Equal(t, map[string]int64{
		"bullets.get/2xx": 2,
		"bullets.get/4xx": 1,
		"unmatched/4xx":   1,
	}, got)
}

func TestRecordWriteOutcomes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordWrite(ctx, routeCurate, &curation.Result{Applied: 2, Skipped: 1, Conflicts: []curation.ConflictReport{{}}}, false)
	m.RecordWrite(ctx, routeCurate, &curation.Result{Skipped: 1}, false)
	m.RecordWrite(ctx, routeReflect, &curation.Result{Applied: 1}, true)
	m.RecordWrite(ctx, routeFeedback, nil, false)

	assert.Equal(t, map[string]int64{
		"curate/changed":   1,
		"curate/unchanged": 1,
		"reflect/dry_run":  1,
		"feedback/failed":  1,
	}, sums(t, reader, "playbookd.http.playbook_writes_total", "route", "outcome"))

	assert.Equal(t, map[string]int64{
		"curate/applied":  2,
		"curate/skipped":  2,
		"curate/conflict": 1,
		"reflect/applied": 1,
	}, sums(t, reader, "playbookd.http.deltas_total", "route", "result"))
}

func TestServerRouteNames(t *testing.T) {
	srv, _ := setupTestServer(t)
	assert.Equal(t, routeBullet, srv.routeName(http.MethodGet, "/api/v1/bullets/:id"))
	assert.Equal(t, routeReflect, srv.routeName(http.MethodPost, "/api/v1/reflect"))
	assert.Equal(t, routeUnmatched, srv.routeName(http.MethodGet, "/api/v1/reflect"))
	assert.Equal(t, routeUnmatched, srv.routeName(http.MethodGet, ""))
}

func TestStatusClass(t *testing.T) {
	for status, want := range map[int]string{200: "2xx", 404: "4xx", 503: "5xx", 0: "unknown"} {
		assert.Equal(t, want, statusClass(status))
	}
}

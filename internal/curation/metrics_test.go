package curation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

func TestMetricsRecordRun(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newMetrics(mp.Meter(instrumentationName), nil)

	c := newCurator(t, WithMetrics(m))
	pb := playbookWith(t, newBullet(t, "b1", "Keep functions short", playbook.MaturityCandidate))
	_, err := c.Curate(context.Background(), pb, []playbook.Delta{
		addDelta("Return early"),
		playbook.HelpfulDelta{BulletID: "ghost"},
	})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "playbookd.curation.decisions_total" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), total)
}

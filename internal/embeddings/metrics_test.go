package embeddings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// stubProvider returns unit vectors, or err when set.
type stubProvider struct {
	err error
}

func (s stubProvider) Embed(context.Context, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0}, nil
}

func (s stubProvider) BatchEmbed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (stubProvider) Dimension() int { return 2 }
func (stubProvider) Model() string  { return "stub" }
func (stubProvider) Close() error   { return nil }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			out[md.Name] = md
		}
	}
	return out
}

func TestInstrumentRecordsCalls(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newMetrics(mp.Meter(instrumentationName), nil)
	ctx := context.Background()

	ok := Instrument(stubProvider{}, "fastembed", m)
	_, err := ok.Embed(ctx, "one")
	require.NoError(t, err)
	vecs, err := ok.BatchEmbed(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)

	failing := Instrument(stubProvider{err: errors.New("model not loaded")}, "tei", m)
	_, err = failing.Embed(ctx, "x")
	require.Error(t, err)

	got := collect(t, reader)

	hist, isHist := got["playbookd.embedding.call_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, isHist)
	outcomes := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		backend, _ := dp.Attributes.Value(attribute.Key("backend"))
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		outcomes[backend.AsString()+"/"+outcome.AsString()] += dp.Count
	}
	assert.Equal(t, map[string]uint64{"fastembed/ok": 2, "tei/error": 1}, outcomes)

	sum, isSum := got["playbookd.embedding.texts_total"].Data.(metricdata.Sum[int64])
	require.True(t, isSum)
	texts := map[string]int64{}
	for _, dp := range sum.DataPoints {
		backend, _ := dp.Attributes.Value(attribute.Key("backend"))
		texts[backend.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"fastembed": 4, "tei": 1}, texts)
}

func TestInstrumentLeavesDisabledAlone(t *testing.T) {
	p := Instrument(Disabled{}, "none", NewMetrics(nil))
	assert.True(t, IsDisabled(p))
}

func TestRecordCacheLookup(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newMetrics(mp.Meter(instrumentationName), nil)

	m.RecordCacheLookup(context.Background(), true)
	m.RecordCacheLookup(context.Background(), true)
	m.RecordCacheLookup(context.Background(), false)

	var nilMetrics *Metrics
	nilMetrics.RecordCacheLookup(context.Background(), true)

	sum, ok := collect(t, reader)["playbookd.embedding.cache_lookups_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	results := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("result"))
		results[v.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"hit": 2, "miss": 1}, results)
}

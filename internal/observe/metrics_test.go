package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point whose attributes
// include every key/value in want.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
next:
	for _, dp := range sum.DataPoints {
		for k, v := range want {
			got, ok := dp.Attributes.Value(attribute.Key(k))
			if !ok || got.AsString() != v {
				continue next
			}
		}
		return dp.Value
	}
	t.Fatalf("metric %q has no data point with %v", name, want)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"turnkeeper.generation.first_token", m.FirstTokenLatency},
		{"turnkeeper.turn.response_latency", m.ResponseLatency},
	}
	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("metric %q is not a histogram", tc.name)
		}
		if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
			t.Errorf("metric %q: want one data point with 2 samples", tc.name)
		}
	}
}

func TestRecordHelpers(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "LISTENING", "AGGREGATING")
	m.RecordTransition(ctx, "LISTENING", "AGGREGATING")
	m.RecordTransition(ctx, "AGGREGATING", "GENERATING")
	m.RecordBargeIn(ctx, "interrupt", "confirmed")
	m.RecordBargeIn(ctx, "ignore", "misfire")
	m.RecordSpeculation(ctx, "reused")
	m.RecordRepair(ctx, "frustration")
	m.RecordDropped(ctx, "audio")
	m.RecordDropped(ctx, "audio")
	m.RecordStaleSignal(ctx, "backend")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")

	rm := collect(t, reader)
	tests := []struct {
		metric string
		attrs  map[string]string
		want   int64
	}{
		{"turnkeeper.turn.transitions", map[string]string{"from": "LISTENING", "to": "AGGREGATING"}, 2},
		{"turnkeeper.turn.transitions", map[string]string{"from": "AGGREGATING", "to": "GENERATING"}, 1},
		{"turnkeeper.bargein.decisions", map[string]string{"action": "ignore", "reason": "misfire"}, 1},
		{"turnkeeper.speculation.outcomes", map[string]string{"outcome": "reused"}, 1},
		{"turnkeeper.repair.prompts", map[string]string{"reason": "frustration"}, 1},
		{"turnkeeper.output.dropped", map[string]string{"kind": "audio"}, 2},
		{"turnkeeper.vad.stale", map[string]string{"source": "backend"}, 1},
		{"turnkeeper.provider.requests", map[string]string{"provider": "openai", "status": "ok"}, 1},
	}
	for _, tc := range tests {
		if got := sumWhere(t, rm, tc.metric, tc.attrs); got != tc.want {
			t.Errorf("%s%v = %d, want %d", tc.metric, tc.attrs, got, tc.want)
		}
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 3)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "turnkeeper.active_sessions", nil); got != 2 {
		t.Errorf("active_sessions = %d, want 2", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}

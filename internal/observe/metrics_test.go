package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
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

// sumFor returns the int64 sum data point whose attribute key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestRecordStage(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStage(ctx, StageSTT, 120*time.Millisecond)
	m.RecordStage(ctx, StageSTT, 300*time.Millisecond)
	m.RecordStage(ctx, StageTTS, time.Second)

	met := findMetric(collect(t, reader), "turnstile.turn.stage.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("stage"))
		counts[v.AsString()] = dp.Count
	}
	if counts[StageSTT] != 2 || counts[StageTTS] != 1 {
		t.Fatalf("counts = %v, want stt=2 tts=1", counts)
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "dispatched")
	m.RecordTurn(ctx, "dispatched")
	m.RecordTurn(ctx, "dropped")
	m.RecordInterrupt(ctx)
	m.RecordOutbound(ctx, "final_reply", "sent")
	m.RecordFrameError(ctx, "normalize")
	m.RecordProviderError(ctx, "elevenlabs", "tts")
	m.RecordCircuitTransition(ctx, "elevenlabs", "open")

	rm := collect(t, reader)
	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"turnstile.turns", "outcome", "dispatched", 2},
		{"turnstile.turns", "outcome", "dropped", 1},
		{"turnstile.interrupts", "", "", 1},
		{"turnstile.outbound.events", "status", "sent", 1},
		{"turnstile.frame.errors", "reason", "normalize", 1},
		{"turnstile.provider.errors", "kind", "tts", 1},
		{"turnstile.circuit.transitions", "to", "open", 1},
	}
	for _, tt := range tests {
		if got := sumFor(t, rm, tt.name, tt.key, tt.value); got != tt.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tt.name, tt.key, tt.value, got, tt.want)
		}
	}
}

func TestActiveStreams(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveStreams.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, -1)

	if got := sumFor(t, collect(t, reader), "turnstile.active_streams", "", ""); got != 1 {
		t.Fatalf("active streams = %d, want 1", got)
	}
}

func TestRecordSegment(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	m.RecordSegment(context.Background(), 1400)

	met := findMetric(collect(t, reader), "turnstile.segment.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if got := hist.DataPoints[0].Sum; got != 1.4 {
		t.Fatalf("sum = %v, want 1.4", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Fatal("DefaultMetrics returned different instances")
	}
}

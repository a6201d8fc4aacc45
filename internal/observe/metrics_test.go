package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestModelLoadCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordModelLoad(ctx, "stt", nil)
	m.RecordModelLoad(ctx, "stt", nil)
	m.RecordModelLoad(ctx, "llm", errors.New("oom"))

	got := findMetric(t, reader, "intraview.model.loads")
	if got == nil {
		t.Fatal("metric not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T", got.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points = %d, want 2 (stt/ok, llm/error)", len(sum.DataPoints))
	}
}

func TestSlotWaitHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordSlotWait(context.Background(), "emotion", 250*time.Millisecond)

	got := findMetric(t, reader, "intraview.model.slot_wait")
	if got == nil {
		t.Fatal("metric not found")
	}
	h, ok := got.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T", got.Data)
	}
	if len(h.DataPoints) != 1 || h.DataPoints[0].Count != 1 {
		t.Fatalf("unexpected data points: %+v", h.DataPoints)
	}
}

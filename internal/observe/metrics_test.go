package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attrKey(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordStage(ctx, "transcode", "done", 2*time.Second)
	m.RecordStage(ctx, "transcode", "retry", time.Second)
	m.RecordStage(ctx, "transcode", "done", 3*time.Second)

	rm := collect(t, reader)
	got := sumByAttr(t, rm, "insights.pipeline.stage.outcomes", "outcome")
	if got["done"] != 2 || got["retry"] != 1 {
		t.Fatalf("outcomes = %v", got)
	}
	hist := findMetric(rm, "insights.pipeline.stage.duration")
	if hist == nil {
		t.Fatal("stage duration histogram missing")
	}
	h := hist.Data.(metricdata.Histogram[float64])
	var count uint64
	for _, dp := range h.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Fatalf("histogram count = %d, want 3", count)
	}
}

func TestRecordEvidenceActions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordEvidenceActions(ctx, "new", 2)
	m.RecordEvidenceActions(ctx, "update", 1)
	m.RecordEvidenceActions(ctx, "skip", 0)

	got := sumByAttr(t, collect(t, reader), "insights.evidence.actions", "action")
	if got["new"] != 2 || got["update"] != 1 {
		t.Fatalf("actions = %v", got)
	}
	if _, ok := got["skip"]; ok {
		t.Fatal("zero count should not create a data point")
	}
}

func TestRecordWebhookAndBreaker(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordWebhook(context.Background(), "already_processed", 5*time.Millisecond)
	m.RecordBreakerTransition("openai", "open")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "insights.webhook.outcomes", "outcome"); got["already_processed"] != 1 {
		t.Fatalf("webhook outcomes = %v", got)
	}
	if got := sumByAttr(t, rm, "insights.breaker.transitions", "to"); got["open"] != 1 {
		t.Fatalf("breaker transitions = %v", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActiveRuns.Add(ctx, 2)
	m.ActiveRuns.Add(ctx, -1)

	met := findMetric(collect(t, reader), "insights.pipeline.active_runs")
	if met == nil {
		t.Fatal("active runs gauge missing")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("active runs = %+v", sum.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Fatal("DefaultMetrics returned different instances")
	}
}

func attrKey(k string) attribute.Key { return attribute.Key(k) }

package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
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

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNarrationOutcomesCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordNarration(ctx, "PremiumAudio")
	m.RecordNarration(ctx, "PremiumAudio")
	m.RecordNarration(ctx, "BasicAudio")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "companion.narration.outcomes", "mode", "PremiumAudio"); got != 2 {
		t.Fatalf("PremiumAudio count = %d, want 2", got)
	}
	if got := sumFor(t, rm, "companion.narration.outcomes", "mode", "BasicAudio"); got != 1 {
		t.Fatalf("BasicAudio count = %d, want 1", got)
	}
}

func TestRecordChatCountsProviderErrors(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChat(ctx, "groq", 120*time.Millisecond, "")
	m.RecordChat(ctx, "groq", 80*time.Millisecond, "rate_limited")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "companion.provider.errors", "kind", "rate_limited"); got != 1 {
		t.Fatalf("rate_limited errors = %d, want 1", got)
	}

	met := findMetric(rm, "companion.chat.duration")
	if met == nil {
		t.Fatal("chat duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("chat duration is not a histogram")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Fatalf("sample count = %d, want 2", count)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordChat(ctx, "groq", time.Second, "timeout")
	m.RecordNarration(ctx, "None")
	m.RecordEscalation(ctx, time.Second)
	m.JobStarted(ctx)
	m.JobFinished(ctx)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	m, reader := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/jobs/status/{jobID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/status/abc-123", nil))

	rm := collect(t, reader)
	met := findMetric(rm, "companion.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(hist.DataPoints))
	}
	route, ok := hist.DataPoints[0].Attributes.Value("route")
	if !ok || route.AsString() != "/jobs/status/{jobID}" {
		t.Fatalf("unexpected route attribute %v", route)
	}
}

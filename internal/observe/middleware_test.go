package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates both metrics and tracing infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func statusAttr(attrs []attribute.KeyValue) int64 {
	for _, a := range attrs {
		if a.Key == "http.response.status_code" {
			return a.Value.AsInt64()
		}
	}
	return 0
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "generated"},
		{name: "from traceparent", traceparent: "00-" + traceID + "-00f067aa0ba902b7-01", want: traceID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := testSetup(t)

			var seen string
			handler := Middleware(m, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
			}))

			req := httptest.NewRequest("GET", "/calls", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if len(seen) != 32 {
				t.Fatalf("correlation ID = %q, want 32 hex chars", seen)
			}
			if tt.want != "" && seen != tt.want {
				t.Errorf("correlation ID = %q, want %q", seen, tt.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
			}
		})
	}
}

func TestMiddleware_SpanAndDuration(t *testing.T) {
	m, reader, exp := testSetup(t)
	handler := Middleware(m, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))

	for _, path := range []string{"/calls", "/readyz"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "HTTP GET /calls" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if got := statusAttr(spans[0].Attributes); got != http.StatusOK {
		t.Errorf("/calls span status = %d, want 200", got)
	}
	if got := statusAttr(spans[1].Attributes); got != http.StatusServiceUnavailable {
		t.Errorf("/readyz span status = %d, want 503", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "callbridge.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	found := false
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		status, _ := dp.Attributes.Value("status")
		if path.AsString() == "/readyz" && status.AsInt64() == http.StatusServiceUnavailable && dp.Count == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("no /readyz 503 data point in %+v", hist.DataPoints)
	}
}

func TestMiddleware_AllowsWebSocketUpgrade(t *testing.T) {
	m, _, exp := testSetup(t)

	srv := httptest.NewServer(Middleware(m, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept behind middleware: %v", err)
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"event":"connected"}`))
		conn.Close(websocket.StatusNormalClosure, "")
	})))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/media-stream", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if _, data, err := conn.Read(ctx); err != nil || string(data) != `{"event":"connected"}` {
		t.Fatalf("Read = %q, %v", data, err)
	}
	_, _, _ = conn.Read(ctx)

	// The span ends after the handler returns, which races the client read.
	var spans []sdktrace.ReadOnlySpan
	for range 50 {
		if ss := exp.GetSpans(); len(ss) > 0 {
			spans = ss.Snapshots()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(spans) == 0 {
		t.Fatal("no span recorded for the upgrade")
	}
	if got := statusAttr(spans[0].Attributes()); got != http.StatusSwitchingProtocols {
		t.Errorf("upgrade span status = %d, want 101", got)
	}
}

package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// routedHandler wraps a mux with /sessions, /healthz and a websocket-like
// route that answers 101, and captures the log output.
func routedHandler(t *testing.T, m *Metrics) (http.Handler, *bytes.Buffer) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Session-ID", "sess-1")
		w.WriteHeader(http.StatusSwitchingProtocols)
	})

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return Middleware(m, WithMiddlewareLogger(log), WithQuietRoutes("GET /healthz"))(mux), &buf
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	exp := useTestTracer(t)
	h, _ := routedHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("traceparent", "00-"+incomingTraceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != incomingTraceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, incomingTraceID)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /sessions" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var route string
	for _, a := range spans[0].Attributes {
		if a.Key == "http.route" {
			route = a.Value.AsString()
		}
	}
	if route != "GET /sessions" {
		t.Errorf("http.route = %q", route)
	}
}

func TestMiddleware_RecordsRouteNotPath(t *testing.T) {
	useTestTracer(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h, _ := routedHandler(t, m)

	for _, path := range []string{"/sessions", "/nope/1", "/nope/2"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voicerelay.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("route")
		counts[v.AsString()] += dp.Count
	}
	if counts["GET /sessions"] != 1 || counts[unmatchedRoute] != 2 || len(counts) != 2 {
		t.Errorf("route counts = %v", counts)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	useTestTracer(t)
	h, buf := routedHandler(t, nil)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("quiet route logged at info: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	out := buf.String()
	if !strings.Contains(out, `msg="websocket closed"`) || !strings.Contains(out, "session_id=sess-1") {
		t.Errorf("websocket log = %s", out)
	}

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions", nil))
	out = buf.String()
	if !strings.Contains(out, `msg="request completed"`) || !strings.Contains(out, "status=200") {
		t.Errorf("request log = %s", out)
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, statusCode: http.StatusOK}
	if sr.Unwrap() != http.ResponseWriter(rec) {
		t.Error("Unwrap did not return the wrapped writer")
	}
	if _, _, err := http.NewResponseController(sr).Hijack(); err == nil {
		t.Error("expected Hijack to fail on a recorder that cannot hijack")
	}
}

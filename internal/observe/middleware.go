package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no route pattern matched, keeping path
// cardinality bounded.
const unmatchedRoute = "unmatched"

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and websocket upgrades reach the
// underlying http.Hijacker.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithMiddlewareLogger sets the request logger. Defaults to slog.Default().
func WithMiddlewareLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) { mw.log = l }
}

// WithQuietRoutes logs requests matching any of the given route patterns at
// debug instead of info. Use it for probe and scrape endpoints.
func WithQuietRoutes(patterns ...string) MiddlewareOption {
	return func(mw *middleware) { mw.quiet = append(mw.quiet, patterns...) }
}

type middleware struct {
	metrics *Metrics
	log     *slog.Logger
	quiet   []string
	prop    propagation.TraceContext
}

// Middleware wraps a ServeMux so every request runs inside a server span
// continued from any W3C traceparent header, answers with X-Correlation-ID,
// records its duration by method and route pattern, and is logged once it
// completes. A websocket connection completes when its session ends, so its
// log line carries the whole session duration and the X-Session-ID the
// handler assigned.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, log: slog.Default()}
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		// ServeMux records the matched pattern on the request it was given.
		route := r.Pattern
		if route == "" {
			route = unmatchedRoute
		}
		span.SetName("HTTP " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(rec.statusCode),
		)

		duration := time.Since(start)
		if mw.metrics != nil {
			mw.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", rec.statusCode),
				),
			)
		}

		level := slog.LevelInfo
		if slices.Contains(mw.quiet, route) {
			level = slog.LevelDebug
		}
		msg := "request completed"
		attrs := []slog.Attr{
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.statusCode),
			slog.Duration("duration", duration),
		}
		if rec.statusCode == http.StatusSwitchingProtocols {
			msg = "websocket closed"
			attrs = append(attrs, slog.String("session_id", w.Header().Get("X-Session-ID")))
		}
		mw.log.LogAttrs(ctx, level, msg, attrs...)
	})
}

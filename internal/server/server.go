// Package server accepts conversation websockets and runs one session per
// connection.
//
// Each connection gets three goroutines: a reader that decodes and
// rate-limits client frames, the session runner, and a single writer that
// serialises outbound messages. The server also exposes /healthz, /readyz,
// /sessions and the Prometheus metrics endpoint on the same listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicerelay/internal/health"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/internal/synthesis"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultWSPath          = "/ws"
	DefaultWriteTimeout    = 10 * time.Second
	DefaultReadLimit       = 1 << 20
	DefaultShutdownTimeout = 15 * time.Second
)

// Runner drives one session. [session.Controller] implements it.
type Runner interface {
	Run(ctx context.Context, inbound <-chan protocol.Inbound) error
}

// SessionFactory builds the runner for a newly accepted connection. Outbound
// messages for the client go to sink.
type SessionFactory func(info SessionInfo, sink synthesis.Sink, log *slog.Logger) (Runner, error)

// Option configures a [Server].
type Option func(*Server)

// WithWSPath sets the websocket path. Default: "/ws".
func WithWSPath(path string) Option {
	return func(s *Server) { s.wsPath = path }
}

// WithMetricsPath serves the Prometheus registry at path. Empty disables it.
func WithMetricsPath(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

// WithInboundLimit sets the per-session token bucket for binary audio frames.
// Text commands bypass it.
// A rate of zero or less disables limiting.
func WithInboundLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.inboundRate = perSecond
		s.inboundBurst = burst
	}
}

// WithWriteTimeout bounds each outbound websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithReadLimit caps the size of a single client message in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithOriginPatterns allows cross-origin websocket clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.accept.OriginPatterns = patterns }
}

// WithTLS serves HTTPS using the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithShutdownTimeout bounds how long Serve waits for live sessions after its
// context ends before cancelling them.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithHealthCheckers registers readiness checkers for /readyz.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics records HTTP, session and inbound metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server accepts websocket sessions.
type Server struct {
	factory SessionFactory

	wsPath          string
	metricsPath     string
	inboundRate     float64
	inboundBurst    int
	writeTimeout    time.Duration
	readLimit       int64
	shutdownTimeout time.Duration
	certFile        string
	keyFile         string
	accept          websocket.AcceptOptions
	checkers        []health.Checker

	log     *slog.Logger
	metrics *observe.Metrics

	health   *health.Handler
	tracker  *Tracker
	draining atomic.Bool
}

// New creates a Server that builds sessions with factory.
func New(factory SessionFactory, opts ...Option) *Server {
	s := &Server{
		factory:         factory,
		wsPath:          DefaultWSPath,
		writeTimeout:    DefaultWriteTimeout,
		readLimit:       DefaultReadLimit,
		shutdownTimeout: DefaultShutdownTimeout,
		log:             slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.health = health.New(s.checkers)
	s.tracker = NewTracker(s.log, s.metrics)
	return s
}

// Tracker returns the live session set.
func (s *Server) Tracker() *Tracker { return s.tracker }

// Handler returns the HTTP handler serving the websocket, health, session
// listing and metrics routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.wsPath, s.handleWS)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	s.health.Register(mux)
	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, promhttp.Handler())
	}
	quiet := []string{"GET " + health.LivePath, "GET " + health.ReadyPath}
	if s.metricsPath != "" {
		quiet = append(quiet, "GET "+s.metricsPath)
	}
	return observe.Middleware(s.metrics,
		observe.WithMiddlewareLogger(s.log),
		observe.WithQuietRoutes(quiet...),
	)(mux)
}

// Serve accepts connections on ln until ctx is done. It then stops accepting,
// reports not-ready, waits for live sessions up to the shutdown timeout and
// cancels whatever is left.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			err = srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	s.log.Info("server: listening", "addr", ln.Addr().String(), "ws_path", s.wsPath, "tls", s.certFile != "")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.draining.Store(true)
	s.health.SetDraining(true)
	sctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("server: http shutdown incomplete", "err", err)
	}
	if n := s.tracker.Len(); n > 0 {
		s.log.Info("server: waiting for live sessions", "active", n, "timeout", s.shutdownTimeout)
	}
	if err := s.tracker.Wait(sctx); err != nil {
		s.log.Warn("server: cancelling remaining sessions", "active", s.tracker.Len())
		s.tracker.CancelAll()
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer wcancel()
		_ = s.tracker.Wait(wctx)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	w.Header().Set("X-Session-ID", id)
	conn, err := websocket.Accept(w, r, &s.accept)
	if err != nil {
		s.log.Warn("server: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)
	defer conn.CloseNow()

	log := observe.WithTrace(r.Context(), s.log.With("session_id", id))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	info := SessionInfo{ID: id, RemoteAddr: r.RemoteAddr, StartedAt: time.Now()}
	s.tracker.Add(ctx, info, cancel)
	defer s.tracker.Remove(context.WithoutCancel(ctx), id)

	sink := newConnSink(conn, s.writeTimeout, log, func(error) { cancel() })
	runner, err := s.factory(info, sink, log)
	if err != nil {
		log.Error("server: session setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	rd := &reader{
		conn:    conn,
		limiter: newInboundLimiter(s.inboundRate, s.inboundBurst),
		log:     log,
		metrics: s.metrics,
	}
	inbound := make(chan protocol.Inbound)

	var g errgroup.Group
	g.Go(sink.run)
	g.Go(func() error { return rd.run(ctx, inbound) })
	g.Go(func() error {
		defer cancel()
		err := runner.Run(ctx, inbound)
		// Flush everything the session produced before closing.
		sink.Close()
		<-sink.Done()
		conn.Close(websocket.StatusNormalClosure, "session ended")
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error("server: session ended with error", "err", err)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Active   int           `json:"active"`
		Sessions []SessionInfo `json:"sessions"`
	}{
		Active:   s.tracker.Len(),
		Sessions: s.tracker.List(),
	})
}

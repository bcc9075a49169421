// Package api provides the HTTP server for ReplyPipe.
//
// It exposes endpoints to ingest inbound messages, manage flow definitions,
// inspect per-user execution state and statistics, and receive channel
// webhooks. Metrics are served on /metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/flow"
	"github.com/BTreeMap/ReplyPipe/internal/messaging"
	"github.com/BTreeMap/ReplyPipe/internal/metrics"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	Metrics       *metrics.Metrics
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithTwilioWebhook mounts h on POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server wires the HTTP routes to the engine and the ingestor.
type Server struct {
	engine    *flow.Engine
	ingestor  *messaging.Ingestor
	metrics   *metrics.Metrics
	twilio    http.HandlerFunc
	addr      string
	startedAt time.Time
	http      *http.Server
}

// NewServer creates a Server. Call Run to start listening.
func NewServer(engine *flow.Engine, ingestor *messaging.Ingestor, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		engine:    engine,
		ingestor:  ingestor,
		metrics:   cfg.Metrics,
		twilio:    cfg.TwilioWebhook,
		addr:      cfg.Addr,
		startedAt: time.Now(),
	}
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.messagesHandler)

	mux.HandleFunc("GET /flows", s.listFlowsHandler)
	mux.HandleFunc("POST /flows", s.createFlowHandler)
	mux.HandleFunc("GET /flows/{id}", s.getFlowHandler)
	mux.HandleFunc("PATCH /flows/{id}", s.patchFlowHandler)
	mux.HandleFunc("GET /flows/{id}/stats", s.statsHandler)
	mux.HandleFunc("POST /flows/{id}/flush", s.flushHandler)
	mux.HandleFunc("GET /flows/{id}/executions/{userId}", s.getExecutionHandler)
	mux.HandleFunc("DELETE /flows/{id}/executions/{userId}", s.resetExecutionHandler)
	mux.HandleFunc("GET /delays", s.pendingHandler)

	if s.twilio != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.twilio)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /health", s.healthHandler)
	return loggingMiddleware(mux)
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	slog.Info("Server.Run: API listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Run: API stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if r.Body != nil {
			r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(rec, r)
		slog.Debug("Server: request handled", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

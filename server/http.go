// Package server provides the proxy's observability HTTP surface: health,
// Prometheus metrics, and a debug report of cache statistics. It never sits
// in the browser traffic path.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lokah1945/CDN-EDGEProxy/storage"
	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":9090").
	Address string

	// Engine is the storage engine whose state the surface reports.
	Engine *storage.Engine

	// AuthToken protects the /debug routes with a Bearer token. Empty
	// leaves them open.
	AuthToken string

	// ReportTopN bounds the top-prefix list in /debug/report. Default 20.
	ReportTopN int

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the observability HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	engine     *storage.Engine
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: storage engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":9090"
	}
	if cfg.ReportTopN == 0 {
		cfg.ReportTopN = 20
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		engine: cfg.Engine,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	mux.HandleFunc("GET /debug/report", s.handleReport)
	mux.HandleFunc("POST /debug/flush", s.handleFlush)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.loggingMiddleware(s.authMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Ready() {
		http.Error(w, "storage engine initializing", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Report(r.Context(), s.config.ReportTopN)
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		s.logger.Warn("encoding report", "error", err)
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Flush(r.Context()); err != nil {
		s.logger.Warn("manual flush failed", "error", err)
		http.Error(w, "flush failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loggingMiddleware logs each request with a correlation ID and records the
// surface's HTTP metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		ctx := telemetry.WithRequestID(r.Context(), requestID)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
		)
		telemetry.RecordHTTP(ctx, r.URL.Path, wrapped.status, duration)
	})
}

// Start starts the server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting observability server", "address", s.config.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down observability server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

package watch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fclairamb/boxsync/internal/version"
)

const (
	// HTTP server timeouts.
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Server exposes health, version, worker status and Prometheus metrics
// while watching.
type Server struct {
	httpServer *http.Server
	worker     *Worker
	logger     *slog.Logger
}

// NewServer creates a status server listening on addr. worker may be nil.
func NewServer(addr string, worker *Worker, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		worker: worker,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux, logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the server's routes. Useful for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting status server",
		"addr", s.httpServer.Addr,
		"version", version.Version,
		"commit", version.Commit)

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(writer http.ResponseWriter, req *http.Request) {
	s.writeJSON(req.Context(), writer, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(writer http.ResponseWriter, req *http.Request) {
	s.writeJSON(req.Context(), writer, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_time": version.GitTime,
	})
}

type statusResponse struct {
	Pending int        `json:"pending"`
	LastRun *RunStatus `json:"last_run,omitempty"`
}

func (s *Server) handleStatus(writer http.ResponseWriter, req *http.Request) {
	var resp statusResponse
	if s.worker != nil {
		resp.Pending = s.worker.Pending()
		resp.LastRun = s.worker.LastRun()
	}
	s.writeJSON(req.Context(), writer, http.StatusOK, resp)
}

func (s *Server) handleSync(writer http.ResponseWriter, req *http.Request) {
	if s.worker == nil {
		s.writeJSON(req.Context(), writer, http.StatusServiceUnavailable, map[string]string{"status": "no worker"})
		return
	}
	s.worker.TriggerFullSync()
	s.writeJSON(req.Context(), writer, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) writeJSON(ctx context.Context, writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		s.logger.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// loggingMiddleware logs all HTTP requests.
func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, req)

		logger.DebugContext(req.Context(), "http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

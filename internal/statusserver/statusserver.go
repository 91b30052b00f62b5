// Package statusserver exposes a minimal chi-routed HTTP surface for the
// duration of a download run: Prometheus metrics and a liveness probe.
// There is no UI and no forge API traffic here, so no CORS handling is
// needed.
package statusserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics and /healthz on a background goroutine for the
// duration of one ManifestHub run.
type Server struct {
	router chi.Router
	logger *slog.Logger
}

// New builds a Server whose /metrics handler is backed by reg.
func New(reg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on addr and blocks until it exits.
// Callers typically run this in a goroutine and ignore http.ErrServerClosed
// once the run completes.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("status server listening", slog.String("addr", addr))
	return http.ListenAndServe(addr, s)
}

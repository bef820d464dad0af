// Package diag serves the optional diagnostics HTTP endpoints:
// Prometheus metrics, a health probe, and a JSON dump of the current
// snapshot.
package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocwatch/ocwatch/internal/metrics"
	"github.com/ocwatch/ocwatch/internal/monitor/projection"
)

// Server is the diagnostics HTTP server. Disabled unless an address is
// configured.
type Server struct {
	addr string
	proj *projection.Projection
}

// NewServer creates a diagnostics server.
func NewServer(addr string, proj *projection.Projection) *Server {
	return &Server{addr: addr, proj: proj}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(metrics.HTTPMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/debug/state", s.handleState)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("diagnostics listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	snap := s.proj.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		slog.Debug("encode state dump failed", "error", err)
	}
}

// Package ops exposes the operational HTTP surface: health, metrics, and
// debug stats. The analyst-facing API is a separate service and not part of
// this process.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/periscope-sec/periscope/internal/engine"
)

// HealthChecker reports whether the tiered store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// StatsSource provides the engine's counters for /debug/stats.
type StatsSource interface {
	Stats() engine.Stats
}

// Server is the ops HTTP server.
type Server struct {
	srv *http.Server
}

// New builds the ops server. gatherer may be nil to use the default
// Prometheus registry.
func New(addr string, health HealthChecker, stats StatsSource, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if health != nil {
			if err := health.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/debug/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if stats == nil {
			w.Write([]byte("{}"))
			return
		}
		json.NewEncoder(w).Encode(stats.Stats())
	}).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Package api exposes the deployment lifecycle over HTTP: deployment
// submission, derived status, a server-sent event stream of the raw
// event log, TTL management, and teardown. Deploys and destroys run
// asynchronously; callers poll status or follow the event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/skylift/skylift/pkg/config"
	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/pipeline"
	"github.com/skylift/skylift/pkg/stores"
	"github.com/skylift/skylift/pkg/telemetry"
)

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	orch      *pipeline.Orchestrator
	workspace *deployment.Workspace
	events    *events.Store
	store     *stores.SQLiteStore
	log       *telemetry.Logger
	metrics   *telemetry.Metrics

	httpSrv *http.Server
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, orch *pipeline.Orchestrator, workspace *deployment.Workspace, eventStore *events.Store, store *stores.SQLiteStore, log *telemetry.Logger, metrics *telemetry.Metrics) *Server {
	if log == nil {
		log = telemetry.NewComponentLogger("api")
	}
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		workspace: workspace,
		events:    eventStore,
		store:     store,
		log:       log,
		metrics:   metrics,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.API.ListenAddress,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/deployments", s.handleCreateDeployment)
	mux.HandleFunc("GET /v1/deployments", s.handleListDeployments)
	mux.HandleFunc("GET /v1/deployments/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /v1/deployments/{id}/events", s.handleEvents)
	mux.HandleFunc("DELETE /v1/deployments/{id}", s.handleDestroy)

	mux.HandleFunc("GET /v1/ttl", s.handleListTTL)
	mux.HandleFunc("POST /v1/ttl", s.handleScheduleTTL)
	mux.HandleFunc("DELETE /v1/ttl/{id}", s.handleCancelTTL)
	mux.HandleFunc("POST /v1/ttl/sweep", s.handleSweep)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.requestLogger(mux)
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("API listening on %s", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Debug("request handled")
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

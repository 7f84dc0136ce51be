// Package server exposes a Kernel over HTTP: appends, reads, tails and
// redaction of logs, job and observer inspection, health and Prometheus
// metrics.
package server

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

	"github.com/randalmurphal/eventkernel/pkg/eventkernel"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/filter"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/jobs"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observer"
)

const shutdownTimeout = 5 * time.Second

// Server is the HTTP front of a Kernel.
type Server struct {
	kernel   *eventkernel.Kernel
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
	srv      *http.Server
}

// New creates a server for k. Metrics are gathered from reg, which also
// receives the kernel state collector. A nil reg uses a fresh registry.
func New(k *eventkernel.Kernel, reg *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(observability.NewStateCollector(k))

	s := &Server{
		kernel:   k,
		logger:   observability.Component(logger, "http"),
		gatherer: reg,
		mux:      http.NewServeMux(),
	}
	s.routes()
	s.srv = &http.Server{
		Handler:           s.logRequests(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("GET /v1/logs", s.handleListLogs)
	s.mux.HandleFunc("POST /v1/logs/{store}/{namespace}/{sequence}/events", s.handleAppend)
	s.mux.HandleFunc("GET /v1/logs/{store}/{namespace}/{sequence}/events", s.handleRead)
	s.mux.HandleFunc("GET /v1/logs/{store}/{namespace}/{sequence}/events/{seq}", s.handleGet)
	s.mux.HandleFunc("GET /v1/logs/{store}/{namespace}/{sequence}/tail", s.handleTail)
	s.mux.HandleFunc("GET /v1/logs/{store}/{namespace}/{sequence}/next", s.handleNext)
	s.mux.HandleFunc("POST /v1/logs/{store}/{namespace}/{sequence}/redact", s.handleRedact)

	s.mux.HandleFunc("GET /v1/tenants/{tenant}/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/tenants/{tenant}/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /v1/tenants/{tenant}/jobs/{id}/steps", s.handleJobSteps)
	s.mux.HandleFunc("POST /v1/tenants/{tenant}/jobs/{id}/stop", s.handleStopJob)
	s.mux.HandleFunc("DELETE /v1/tenants/{tenant}/jobs/{id}", s.handleDeleteJob)

	s.mux.HandleFunc("GET /v1/tenants/{tenant}/observers", s.handleListObservers)
	s.mux.HandleFunc("GET /v1/tenants/{tenant}/observers/{id}/failed-partitions", s.handleFailedPartitions)
	s.mux.HandleFunc("POST /v1/tenants/{tenant}/observers/{id}/failed-partitions/{partition}/skip", s.handleSkipPartition)
	s.mux.HandleFunc("POST /v1/tenants/{tenant}/observers/{id}/catch-up", s.handleCatchUp)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("http listening", slog.String("addr", lis.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(lis) }()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(sctx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "logs": len(s.kernel.Logs())})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps kernel errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, eventkernel.ErrLogNotDefined),
		errors.Is(err, eventlog.ErrEventNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, observer.ErrStateNotFound),
		errors.Is(err, observer.ErrNotSubscribed):
		status = http.StatusNotFound
	case errors.Is(err, eventlog.ErrUnknownEventType),
		errors.Is(err, eventlog.ErrInvalidContent),
		errors.Is(err, eventlog.ErrInvalidSequenceID),
		errors.Is(err, filter.ErrInvalidExpression),
		errors.Is(err, eventkernel.ErrTenantRequired),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, observer.ErrPartitionNotFailed):
		status = http.StatusConflict
	case errors.Is(err, eventkernel.ErrClosed),
		errors.Is(err, eventlog.ErrLogClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacob-bach/icarusd/pkg/callbackbus"
	"github.com/jacob-bach/icarusd/pkg/log"
	"github.com/jacob-bach/icarusd/pkg/metrics"
	"github.com/jacob-bach/icarusd/pkg/scheduler"
	"github.com/jacob-bach/icarusd/pkg/storage"
)

// Server is the HTTP adapter over the scheduler and the job store. It
// holds no state of its own beyond its collaborators and the mux.
type Server struct {
	sched  *scheduler.Scheduler
	store  storage.Store
	bus    *callbackbus.Bus
	logger zerolog.Logger
	http   *http.Server
}

// NewServer wires the job submission, status, approval, and callback
// route table onto the scheduler, the job store, and the callback bus.
func NewServer(sched *scheduler.Scheduler, store storage.Store, bus *callbackbus.Bus) *Server {
	s := &Server{
		sched:  sched,
		store:  store,
		bus:    bus,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs/spawn", s.handleSpawn)
	mux.HandleFunc("GET /jobs", s.handleList)
	mux.HandleFunc("GET /jobs/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /jobs/{id}/telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /jobs/{id}/audit", s.handleAudit)
	mux.HandleFunc("POST /jobs/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /jobs/{id}/callback", s.handleCallback)

	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	s.http = &http.Server{
		Handler:      instrumentRequests(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// statusRecordingWriter captures the status code a handler wrote so the
// instrumentation wrapper can label the request after the fact.
type statusRecordingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusRecordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrumentRequests wraps the route mux with request-count and latency
// metrics, labeled by method, route pattern, and response status.
func instrumentRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecordingWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method, pattern)
	})
}

// Start serves the API on addr. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

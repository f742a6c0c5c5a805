// Package api exposes the HTTP interface for the comparison service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/events"
	"github.com/pageparity/pageparity/internal/metrics"
	"github.com/pageparity/pageparity/internal/middleware"
	"github.com/pageparity/pageparity/internal/record"
	"github.com/pageparity/pageparity/internal/run"
)

// requestTimeout bounds every non-streaming request.
const requestTimeout = 60 * time.Second

// Server wires HTTP handlers to the run service and record store.
type Server struct {
	router      chi.Router
	store       record.Store
	runs        *run.Service
	broadcaster *events.Broadcaster
	logger      *zap.Logger
	apiKey      string
}

// Config configures the HTTP server.
type Config struct {
	Store       record.Store
	Runs        *run.Service
	Broadcaster *events.Broadcaster
	Logger      *zap.Logger
	// APIKey enables key auth on /api when non-empty.
	APIKey string
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config) *Server {
	metrics.Init()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:       cfg.Store,
		runs:        cfg.Runs,
		broadcaster: cfg.Broadcaster,
		logger:      logger,
		apiKey:      cfg.APIKey,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(s.apiKeyMiddleware)
		}
		r.Route("/runs", func(r chi.Router) {
			// The SSE stream must not sit behind the timeout handler.
			r.Get("/{run_id}/stream", s.streamRun)

			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(requestTimeout))
				r.Get("/", s.listRuns)
				r.Post("/single", s.createSingleRun)
				r.Post("/bulk", s.createBulkRun)
				r.Post("/fetch", s.createFetchRun)
				r.Route("/{run_id}", func(r chi.Router) {
					r.Get("/", s.getRun)
					r.Patch("/", s.renameRun)
					r.Get("/scans", s.listScans)
					r.Post("/rescan", s.rescanScans)
					r.Post("/rerun", s.rerunRun)
					r.Post("/scans", s.addScans)
					r.Patch("/scans/{scan_id}", s.updateScan)
					r.Delete("/scans", s.deleteScans)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListRuns(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseRunID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	return id, err == nil
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != s.apiKey {
			s.writeError(w, http.StatusForbidden, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

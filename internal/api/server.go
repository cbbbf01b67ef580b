// Package api exposes the HTTP interface for the archiver service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/archive"
	"github.com/speculum/speculum/internal/metrics"
)

// Engine is the crawl orchestration surface the API exposes.
type Engine interface {
	EnqueueCrawl(ctx context.Context, jobID string) (bool, error)
	CancelCrawl(ctx context.Context, jobID string) (bool, string)
	ListLiveCrawls() []archive.LiveCrawl
	GetProgress(jobID string) (archive.Progress, bool)
	GetLiveLogTail(jobID string, n int) ([]string, bool)
}

// AuthConfig controls the optional API-key check.
type AuthConfig struct {
	Enabled bool
	APIKey  string
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router chi.Router
	engine Engine
	logger *zap.Logger
}

const defaultLogTail = 50

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Engine, auth AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if auth.Enabled {
		r.Use(apiKeyMiddleware(auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/crawls", s.listLiveCrawls)
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Post("/crawl", s.enqueueCrawl)
			r.Post("/cancel", s.cancelCrawl)
			r.Get("/progress", s.getProgress)
			r.Get("/log", s.getLogTail)
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
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listLiveCrawls(w http.ResponseWriter, _ *http.Request) {
	crawls := s.engine.ListLiveCrawls()
	if crawls == nil {
		crawls = []archive.LiveCrawl{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"crawls": crawls})
}

func (s *Server) enqueueCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	started, err := s.engine.EnqueueCrawl(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "job not found")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]any{
		"job_id":  jobID,
		"started": started,
	})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	ok, message := s.engine.CancelCrawl(r.Context(), jobID)
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(s.logger, w, status, map[string]any{
		"job_id":    jobID,
		"cancelled": ok,
		"message":   message,
	})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	progress, ok := s.engine.GetProgress(jobID)
	if !ok {
		writeError(s.logger, w, http.StatusNotFound, "no live crawl for job")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, progress)
}

func (s *Server) getLogTail(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	n := defaultLogTail
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(s.logger, w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	lines, ok := s.engine.GetLiveLogTail(jobID, n)
	if !ok {
		writeError(s.logger, w, http.StatusNotFound, "no live crawl for job")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"job_id": jobID, "lines": lines})
}

func requestIDMiddleware(next http.Handler) http.Handler {
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
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
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
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}

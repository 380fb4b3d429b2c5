package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/ingest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/publisher/memory"
	"github.com/JakeFAU/harvester/internal/scrape"
)

// RunReporter exposes the last scrape run.
type RunReporter interface {
	Latest() (scrape.RunResult, bool)
}

// Processor runs ingestion batches.
type Processor interface {
	Process(ctx context.Context, domain string) (ingest.BatchResult, error)
}

// CursorReader reads ingestion watermarks.
type CursorReader interface {
	Read(ctx context.Context, domain string) (time.Time, error)
}

// EventLog lists recent notifications.
type EventLog interface {
	Messages() []memory.PublishedMessage
}

// Deps are the collaborators behind the routes. Events may be nil.
type Deps struct {
	Runs      RunReporter
	Processor Processor
	Cursors   CursorReader
	Events    EventLog
	// Domains are the configured domains; other domains are not found.
	Domains []string
}

// Server wires HTTP handlers to the scheduler and the pipeline.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/runs/latest", s.latestRun)
		r.Get("/events", s.events)
		r.With(timeoutMiddleware(10*time.Second)).Get("/cursors/{domain}", s.cursor)
		r.Post("/process/{domain}", s.process)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Processor == nil || s.deps.Cursors == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not wired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) latestRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusNotFound, "no scrape run yet")
		return
	}
	run, ok := s.deps.Runs.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no scrape run yet")
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		RunResult: run,
		Succeeded: run.Succeeded(),
		Failed:    run.Failed(),
		Posts:     run.Posts(),
	})
}

type runResponse struct {
	scrape.RunResult
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Posts     int `json:"posts"`
}

func (s *Server) cursor(w http.ResponseWriter, r *http.Request) {
	domain, ok := s.domain(w, r)
	if !ok {
		return
	}
	wm, err := s.deps.Cursors.Read(r.Context(), domain)
	if err != nil {
		s.logger.Error("read cursor failed", zap.String("domain", domain), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read cursor failed")
		return
	}
	body := map[string]any{"domain": domain, "watermark": nil}
	if !wm.IsZero() {
		body["watermark"] = wm
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	domain, ok := s.domain(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Processor.Process(r.Context(), domain)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		s.logger.Warn("on-demand batch failed", zap.String("domain", domain), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	topic := r.URL.Query().Get("topic")
	msgs := s.deps.Events.Messages()
	out := make([]memory.PublishedMessage, 0, len(msgs))
	for _, m := range msgs {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// domain resolves the {domain} parameter against the configured domains and
// writes a 404 when it is unknown.
func (s *Server) domain(w http.ResponseWriter, r *http.Request) (string, bool) {
	domain := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "domain")))
	if domain == "" || !slices.Contains(s.deps.Domains, domain) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("domain %q is not configured", domain))
		return "", false
	}
	return domain, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

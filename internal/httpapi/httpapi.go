// Package httpapi is the minimal read-only health/metrics HTTP surface of
// §1 ("HTTP health endpoint" — out of scope for its own logic, in scope as
// an ambient external collaborator), adapted from
// internal/interfaces/http/server.go: same gorilla/mux router, middleware
// chain and graceful-shutdown shape, repointed at engine health instead of
// a provider/scan registry, and using zerolog instead of the stdlib log
// package the teacher used here.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthSource is the subset of engine.Engine the health handler needs.
type HealthSource interface {
	HealthSnapshot() Health
}

// Health is the engine state the handlers report. It is defined here, and
// returned by engine.Engine.HealthSnapshot, so httpapi never imports the
// engine package and stays usable from tests with a stub source.
type Health struct {
	FeedAge   time.Duration
	FeedFresh bool
	LastEval  time.Time
	Regime    string
	QueueLen  int
}

// Config holds server binding and timeout parameters.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig binds to localhost by default; HTTP_PORT overrides the port.
func DefaultConfig() Config {
	port := 8090
	if portStr := os.Getenv("HTTP_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	return Config{
		Host:         "127.0.0.1",
		Port:         port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the local-only, read-only HTTP surface.
type Server struct {
	router *mux.Router
	server *http.Server
	source HealthSource
	cfg    Config
}

// NewServer probes the port, wires routes and returns a ready-to-Start server.
func NewServer(cfg Config, source HealthSource) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{router: mux.NewRouter(), source: source, cfg: cfg}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().
			Str("request_id", fmt.Sprint(r.Context().Value(requestIDKey{}))).
			Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).Dur("duration", time.Since(start)).
			Msg("http_request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// handleHealth always returns 200 with the current engine staleness state;
// it is a liveness probe, not a readiness gate (use /ready for that).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.source.HealthSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"feed_fresh":        h.FeedFresh,
		"feed_age_seconds":  h.FeedAge.Seconds(),
		"last_eval":         h.LastEval,
		"regime":            h.Regime,
		"outbox_depth":      h.QueueLen,
	})
}

// handleReady returns 503 once the feed has gone stale past the watchdog's
// own threshold, letting an orchestrator stop routing traffic/alerts here.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	h := s.source.HealthSnapshot()
	if !h.FeedFresh || h.FeedAge > 180*time.Second {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found", "path": r.URL.Path})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start serves until Shutdown is called; ErrServerClosed is swallowed by the
// caller in the usual net/http idiom.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}


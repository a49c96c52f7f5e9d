// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api is the HTTP binding of the request surface. Handlers stay
// transport-only: decode, call the pipeline, map errors to status codes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/clipd/internal/bus"
	"github.com/ManuGH/clipd/internal/log"
	"github.com/ManuGH/clipd/internal/pipeline"
	"github.com/ManuGH/clipd/internal/progress"
)

// Config bounds the ingress.
type Config struct {
	// RateLimitRPS caps requests per client IP per second. Zero disables.
	RateLimitRPS int
	// TracingService enables otelhttp instrumentation when non-empty.
	TracingService string
}

// Server binds the pipeline to HTTP.
type Server struct {
	cfg      Config
	svc      *pipeline.Service
	users    *pipeline.UserStore
	progress progress.Tracker
	// events is the firehose topic fed by the relay; SSE clients filter it.
	events bus.Bus
}

// NewServer wires the handler set. progress and events may be nil.
func NewServer(cfg Config, svc *pipeline.Service, users *pipeline.UserStore, tracker progress.Tracker, events bus.Bus) *Server {
	return &Server{cfg: cfg, svc: svc, users: users, progress: tracker, events: events}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(accessLog)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRPS, time.Second))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/operations", s.handleStartOperation)
		r.Get("/operations/{operationID}", s.handleGetOperation)
		r.Delete("/operations/{operationID}", s.handleCancelOperation)
		r.Get("/users/{userID}/balance", s.handleGetBalance)
		r.Post("/users/{userID}/credits", s.handleAddCredits)
		r.Get("/events", s.handleEvents)
	})

	if s.cfg.TracingService != "" {
		return otelhttp.NewHandler(r, s.cfg.TracingService)
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestID assigns a correlation id to every request and echoes it back.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger := log.WithContext(r.Context(), log.WithComponent("api"))
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

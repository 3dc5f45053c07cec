// Package api exposes the scheduling operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/schedule"
	"github.com/aatumaykin/chaoshub/internal/scheduling"
)

// AccountHeader carries the caller's account id, set by the fronting
// auth proxy.
const AccountHeader = "X-Account-Id"

const maxBodySize = 1 << 20

// Service is the part of scheduling.Service the handlers call.
type Service interface {
	CreateSchedule(ctx context.Context, caller scheduling.Caller, target scheduling.Target, definition map[string]any) (*schedule.Schedule, error)
	ScheduleContext(ctx context.Context, caller scheduling.Caller, target scheduling.Target) (*scheduling.Context, error)
	GetSchedule(ctx context.Context, caller scheduling.Caller, target scheduling.Target, id string) (*schedule.Schedule, error)
	CancelSchedule(ctx context.Context, caller scheduling.Caller, target scheduling.Target, id string) (*schedule.Schedule, error)
	DeleteSchedule(ctx context.Context, caller scheduling.Caller, target scheduling.Target, id string) error
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IdentifyFunc extracts the caller from a request. ok is false for
// anonymous requests.
type IdentifyFunc func(r *http.Request) (caller scheduling.Caller, ok bool)

// HeaderIdentity trusts AccountHeader.
func HeaderIdentity(r *http.Request) (scheduling.Caller, bool) {
	id := r.Header.Get(AccountHeader)
	return scheduling.Caller{AccountID: id}, id != ""
}

type Server struct {
	router   chi.Router
	svc      Service
	health   Pinger
	identify IdentifyFunc
	gatherer prometheus.Gatherer
	logger   *logger.Logger
}

type Option func(*Server)

func WithIdentify(fn IdentifyFunc) Option {
	return func(s *Server) {
		s.identify = fn
	}
}

// WithGatherer sets the registry served on /metrics. The default is the
// global Prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func New(svc Service, health Pinger, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		svc:      svc,
		health:   health,
		identify: HeaderIdentity,
		gatherer: prometheus.DefaultGatherer,
		logger:   log.Component("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/{org}/{workspace}/experiment/{experiment}/schedule", func(r chi.Router) {
		r.Use(s.requireCaller)
		r.Post("/", s.handleCreate)
		r.Get("/with/context", s.handleContext)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/cancel", s.handleCancel)
			r.Delete("/", s.handleDelete)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		s.logger.ErrorCtx(ctx, "health check failed", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

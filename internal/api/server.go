package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/config"
	"github.com/JakeFAU/attribution-registrar/internal/enqueue"
	"github.com/JakeFAU/attribution-registrar/internal/metrics"
	"github.com/JakeFAU/attribution-registrar/internal/runner"
	"github.com/JakeFAU/attribution-registrar/internal/telemetry"
)

// Enqueuer queues registration calls.
type Enqueuer interface {
	EnqueueAppSource(ctx context.Context, reg enqueue.AppRegistration) (enqueue.Result, error)
	EnqueueAppTrigger(ctx context.Context, reg enqueue.AppRegistration) (enqueue.Result, error)
	EnqueueWebSource(ctx context.Context, reg enqueue.WebSourceRegistration) (enqueue.Result, error)
	EnqueueWebTrigger(ctx context.Context, reg enqueue.WebTriggerRegistration) (enqueue.Result, error)
}

// PassRunner runs one pass over the registration queue.
type PassRunner interface {
	Run(ctx context.Context) (runner.PassSummary, error)
}

// Pinger reports whether the datastore is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the enqueue service and the runner.
type Server struct {
	router   chi.Router
	enqueuer Enqueuer
	passes   PassRunner
	pinger   Pinger
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. pinger may be nil
// when the datastore is in-process.
func NewServer(
	enqueuer Enqueuer,
	passes PassRunner,
	pinger Pinger,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		enqueuer: enqueuer,
		passes:   passes,
		pinger:   pinger,
		logger:   logger.Named("api"),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/registrations", func(r chi.Router) {
			r.Post("/app/source", s.registerAppSource)
			r.Post("/app/trigger", s.registerAppTrigger)
			r.Post("/web/source", s.registerWebSource)
			r.Post("/web/trigger", s.registerWebTrigger)
		})
		r.Post("/passes", s.runPass)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "datastore unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runPass(w http.ResponseWriter, r *http.Request) {
	summary, err := s.passes.Run(r.Context())
	if err != nil {
		s.logger.Error("pass failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "pass failed")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// writeEnqueueResult maps enqueue outcomes onto status codes.
func (s *Server) writeEnqueueResult(w http.ResponseWriter, result enqueue.Result, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, result)
	case errors.Is(err, enqueue.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("enqueue failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to queue registration")
	}
}

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

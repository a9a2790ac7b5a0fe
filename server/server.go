// Package server exposes the operator HTTP surface: subscription and
// script CRUD, schedule management, and cluster introspection. It does not
// serve document CRUD; the embedding CRUD layer reports mutations through
// POST /events (or calls the dispatcher directly when in-process).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/coord"
	"github.com/zral/mongo-crud-api-sub001/election"
	"github.com/zral/mongo-crud-api-sub001/lock"
	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/metrics"
	"github.com/zral/mongo-crud-api-sub001/sched"
	"github.com/zral/mongo-crud-api-sub001/store"
	"github.com/zral/mongo-crud-api-sub001/types"
	"github.com/zral/mongo-crud-api-sub001/webhook"
)

// Config tunes the HTTP server.
type Config struct {
	Listen     string
	InstanceID string
}

// Mutator accepts document mutations for reaction dispatch. The CRUD layer
// posts to /events; the server hands the mutation straight through.
type Mutator interface {
	Mutation(ctx context.Context, collection string, event types.Event, newDoc, oldDoc types.Document) error
}

// Server is the operator HTTP surface.
type Server struct {
	cfg        Config
	store      store.Store
	sched      *sched.Engine
	elector    *election.Elector
	locks      *lock.Manager
	coord      *coord.Client
	queue      *webhook.Queue
	dispatcher Mutator
	metrics    *metrics.Metrics
	logger     *log.Logger

	http *http.Server
}

// New wires the Server and its router.
func New(logger *log.Logger, cfg Config, st store.Store, engine *sched.Engine, elector *election.Elector, locks *lock.Manager, c *coord.Client, queue *webhook.Queue, dispatcher Mutator, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		sched:      engine,
		elector:    elector,
		locks:      locks,
		coord:      c,
		queue:      queue,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.Named("server"),
	}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/events", s.postEvent)

	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/", s.listWebhooks)
		r.Post("/", s.createWebhook)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getWebhook)
			r.Patch("/", s.updateWebhook)
			r.Delete("/", s.deleteWebhook)
			r.Get("/failures", s.webhookFailures)
		})
	})

	r.Route("/scripts", func(r chi.Router) {
		r.Get("/", s.listScripts)
		r.Post("/", s.createScript)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getScript)
			r.Patch("/", s.updateScript)
			r.Delete("/", s.deleteScript)
			r.Route("/schedule", func(r chi.Router) {
				r.Get("/", s.getSchedule)
				r.Put("/", s.putSchedule)
				r.Delete("/", s.deleteSchedule)
				r.Post("/pause", s.pauseSchedule)
				r.Post("/resume", s.resumeSchedule)
				r.Post("/trigger", s.triggerSchedule)
			})
		})
	})

	r.Route("/cluster", func(r chi.Router) {
		r.Get("/status", s.clusterStatus)
		r.Get("/leadership", s.clusterLeadership)
		r.Get("/locks", s.clusterLocks)
		r.Get("/health", s.clusterHealth)
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	})

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Listen))
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

// --- Responses ---

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Error("response encode failed", zap.Error(err))
		}
	}
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var verr *store.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sched.ErrNotScheduled):
		s.respond(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.As(err, &verr):
		s.respond(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.respond(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func decode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Package api serves the hireflow REST surface: workflow CRUD, event ingest,
// execution lookup, late async results and a server-sent event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/hireflow/internal/engine"
	"github.com/rendis/hireflow/internal/metrics"
	"github.com/rendis/hireflow/internal/scheduler"
	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/internal/streaming"
)

// Deps holds the dependencies of the REST server. Hub and Jobs are optional.
type Deps struct {
	Engine *engine.Engine
	Ledger store.LedgerStore
	Hub    streaming.EventHub
	Jobs   func() []scheduler.JobStatus
	Logger *slog.Logger
}

// Server is the REST server.
type Server struct {
	http.Server
	deps Deps
}

// NewServer builds the router and binds it to addr.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		deps: deps,
	}
	s.Server.Handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	v1.HandleFunc("/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}", s.handleUpdateWorkflow).Methods(http.MethodPut)
	v1.HandleFunc("/workflows/{id}", s.handleArchiveWorkflow).Methods(http.MethodDelete)
	v1.HandleFunc("/workflows/{id}/executions", s.handleWorkflowExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}/diagram", s.handleWorkflowDiagram).Methods(http.MethodGet)

	v1.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/actions/{index:[0-9]+}/result", s.handleActionResult).Methods(http.MethodPost)

	v1.HandleFunc("/events", s.handleIngest).Methods(http.MethodPost)
	v1.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.Use(s.loggingMiddleware)
	return router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.deps.Logger.Info("starting http server", slog.String("addr", s.Addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight requests up to ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.deps.Logger.Info("stopping http server")
	return s.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.deps.Logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":     "ok",
		"queueDepth": s.deps.Engine.QueueLen(),
		"workers":    s.deps.Engine.PoolMetrics(),
	}
	if s.deps.Jobs != nil {
		body["jobs"] = s.deps.Jobs()
	}
	writeJSON(w, http.StatusOK, body)
}

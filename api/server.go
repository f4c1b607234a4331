// Package api exposes the OrbitMesh REST surface and the agent websocket
// endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/orbitmesh/orbitmesh/pkg/log"
	"github.com/orbitmesh/orbitmesh/pkg/scheduler"
	"github.com/orbitmesh/orbitmesh/pkg/session"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

// Server is the HTTP front of the coordinator.
type Server struct {
	engine    *workflow.Engine
	registry  *workflow.Registry
	store     workflow.Store
	hub       *session.Hub
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	httpServer *http.Server
}

// NewServer wires the router over the engine, registry and session hub.
func NewServer(addr string, engine *workflow.Engine, registry *workflow.Registry, store workflow.Store, hub *session.Hub, sched *scheduler.Scheduler) *Server {
	s := &Server{
		engine:    engine,
		registry:  registry,
		store:     store,
		hub:       hub,
		scheduler: sched,
		logger:    log.WithComponent("api"),
	}

	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/workflows", s.handleRegisterWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/api/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/api/workflows/instances", s.handleListInstances).Methods(http.MethodGet)
	r.HandleFunc("/api/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	r.HandleFunc("/api/workflows/{id}/start", s.handleStartWorkflow).Methods(http.MethodPost)

	r.HandleFunc("/api/instances/{id}", s.handleGetInstance).Methods(http.MethodGet)
	r.HandleFunc("/api/instances/{id}/cancel", s.handleCancelInstance).Methods(http.MethodPost)
	r.HandleFunc("/api/instances/{id}/signal", s.handleSignalEvent).Methods(http.MethodPost)
	r.HandleFunc("/api/instances/{id}/steps/{stepId}/approve", s.handleApproveStep).Methods(http.MethodPost)

	r.HandleFunc("/api/agents", s.handleListAgents).Methods(http.MethodGet)

	r.HandleFunc("/ws/agent", hub.HandleAgent)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

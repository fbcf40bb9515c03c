// Package api provides the HTTP API server for the node registry and install
// event log.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/topology-console/internal/api/handlers"
	"github.com/narvanalabs/topology-console/internal/api/health"
	"github.com/narvanalabs/topology-console/internal/api/middleware"
	"github.com/narvanalabs/topology-console/internal/store"
	"github.com/narvanalabs/topology-console/internal/topology"
	"github.com/narvanalabs/topology-console/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	store         store.Store
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:  st,
		config: cfg,
		logger: logger,
	}

	s.healthChecker = health.NewChecker(Version)
	s.healthChecker.RegisterPinger("store", st)
	s.healthChecker.Register("topology", s.checkTopology)

	s.setupRouter()
	return s
}

// checkTopology reports the registry as degraded when it does not form a
// single rooted tree. An empty registry is healthy.
func (s *Server) checkTopology(ctx context.Context) health.ComponentStatus {
	nodes, err := s.store.Nodes().List(ctx)
	if err != nil {
		return health.ComponentStatus{Status: health.StatusUnhealthy, Message: "listing nodes: " + err.Error()}
	}
	if len(nodes) == 0 {
		return health.ComponentStatus{Status: health.StatusHealthy, Message: "no nodes registered"}
	}
	if _, err := topology.Validate(nodes); err != nil {
		return health.ComponentStatus{Status: health.StatusDegraded, Message: err.Error()}
	}
	return health.ComponentStatus{Status: health.StatusHealthy, Message: fmt.Sprintf("%d nodes", len(nodes))}
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.healthChecker.Handler())

	nodeHandler := handlers.NewNodeHandler(s.store, s.logger)
	eventHandler := handlers.NewEventHandler(s.store, s.logger)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", nodeHandler.List)
			r.Post("/", nodeHandler.Register)
			r.Get("/tree", nodeHandler.Tree)
			r.Get("/{nodeID}", nodeHandler.Get)
			r.Delete("/{nodeID}", nodeHandler.Delete)
		})

		r.Get("/events", eventHandler.List)
		r.Post("/events", eventHandler.Append)
		r.Get("/groups", eventHandler.Groups)
	})

	s.router = r
}

// Start starts the HTTP server and blocks until it fails or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.APIAddr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Name identifies the server for shutdown logging.
func (s *Server) Name() string {
	return "api-server"
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}

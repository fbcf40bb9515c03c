// Package console serves live topology views of deployment groups to
// operators over JSON, server-sent events and websockets.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/topology-console/internal/api/health"
	"github.com/narvanalabs/topology-console/internal/api/middleware"
	"github.com/narvanalabs/topology-console/internal/rollout"
	"github.com/narvanalabs/topology-console/pkg/config"
	"github.com/narvanalabs/topology-console/pkg/logger"
)

// Version is the current version of the console.
var Version = "dev"

// Backend is the part of the topology API the console calls directly.
type Backend interface {
	ListGroups(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// Invalidator drops cached topology so the next sync start refetches it.
type Invalidator interface {
	Invalidate()
}

// Deps are the collaborators of a console server.
type Deps struct {
	Monitor  *rollout.Monitor
	Backend  Backend
	Topology Invalidator
}

// Server is the console HTTP server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Deps
	config        *config.Config
	logger        *logger.Logger
	healthChecker *health.Checker

	// snapshotWait bounds how long a tree request waits for a first snapshot.
	snapshotWait time.Duration
	pingInterval time.Duration

	// closing is closed by Shutdown to end open streams.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a console server.
func NewServer(cfg *config.Config, deps Deps, log *slog.Logger) *Server {
	wait := cfg.FetchTimeout + cfg.PollInterval
	if wait <= 0 {
		wait = 5 * time.Second
	}

	s := &Server{
		deps:         deps,
		config:       cfg,
		logger:       logger.From(log).WithComponent("console"),
		snapshotWait: wait,
		pingInterval: 15 * time.Second,
		closing:      make(chan struct{}),
	}

	s.healthChecker = health.NewChecker(Version)
	if deps.Backend != nil {
		s.healthChecker.RegisterPinger("api", deps.Backend)
	}
	s.healthChecker.Register("status_sync", s.checkSyncs)

	s.setupRouter()
	return s
}

// checkSyncs reports degraded while any running sync is failing its ticks.
func (s *Server) checkSyncs(ctx context.Context) health.ComponentStatus {
	groups := s.deps.Monitor.Groups()
	var failing []string
	for _, g := range groups {
		if st, ok := s.deps.Monitor.Status(g); ok && st.ConsecutiveFailures > 0 {
			failing = append(failing, g)
		}
	}
	if len(failing) > 0 {
		return health.ComponentStatus{
			Status:  health.StatusDegraded,
			Message: fmt.Sprintf("failing groups: %v", failing),
		}
	}
	return health.ComponentStatus{
		Status:  health.StatusHealthy,
		Message: fmt.Sprintf("%d groups watched", len(groups)),
	}
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger.Logger))
	r.Use(middleware.Recovery(s.logger.Logger))

	r.Get("/health", s.healthChecker.Handler())

	// Streams stay open for as long as the viewer does.
	r.With(groupContext).Get("/groups/{group}/stream", s.handleStream)
	r.With(groupContext).Get("/groups/{group}/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		r.Get("/groups", s.handleGroups)
		r.Post("/topology/refresh", s.handleRefresh)

		g := r.With(groupContext)
		g.Get("/groups/{group}/tree", s.handleTree)
		g.Get("/groups/{group}/selection", s.handleGetSelection)
		g.Put("/groups/{group}/selection", s.handlePutSelection)
		g.Post("/groups/{group}/activate", s.handleActivate)
	})

	s.router = r
}

// groupContext carries the request ID and the group in the path on the
// request context.
func groupContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.ContextWithRequestID(r.Context(), chimiddleware.GetReqID(r.Context()))
		ctx = logger.ContextWithGroupKey(ctx, chi.URLParam(r, "group"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger returns the server logger tagged from r's context.
func (s *Server) requestLogger(r *http.Request) *logger.Logger {
	return s.logger.WithContext(r.Context())
}

// Start starts the HTTP server and blocks until it fails or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.WebPort)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("starting console server", "addr", addr, "api_url", s.config.APIURL)

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

// Shutdown ends open streams and gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down console server")
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
	return "console-server"
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}

// Package server provides the HTTP API: decision pipeline endpoints,
// module routes, system monitoring and the live event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/di"
	backtesthandlers "github.com/aristath/helmsman/internal/modules/backtest/handlers"
	ledgerhandlers "github.com/aristath/helmsman/internal/modules/ledger/handlers"
	safetyhandlers "github.com/aristath/helmsman/internal/modules/safety/handlers"
	"github.com/aristath/helmsman/internal/work"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Cfg       *config.Config
	Container *di.Container
	Port      int
	DevMode   bool
}

// Server wraps the HTTP server and its routes
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	cfg       *config.Config
	container *di.Container
	port      int
	devMode   bool

	statusMonitor *StatusMonitor
}

// New creates a new server instance
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Cfg,
		container: cfg.Container,
		port:      cfg.Port,
		devMode:   cfg.DevMode,
	}

	s.statusMonitor = NewStatusMonitor(
		cfg.Container.EventManager,
		cfg.Container.SafetyGate,
		cfg.Container.MetricsFeed,
		cfg.Log,
	)

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures all middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !s.devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all application routes
func (s *Server) setupRoutes() {
	c := s.container

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", c.Metrics.Handler())

	eventsHandler := NewEventsStreamHandler(c.EventBus, s.log)
	systemHandlers := NewSystemHandlers(SystemHandlersConfig{
		Log:       s.log,
		DataDir:   s.cfg.DataDir,
		Databases: c.Databases(),
		Scheduler: c.Scheduler,
		Gate:      c.SafetyGate,
		Feed:      c.MetricsFeed,
		Processor: c.WorkProcessor,
		RunID:     c.RunID,
	})
	solveHandlers := NewSolveHandlers(SolveHandlersConfig{
		Log:        s.log,
		Cfg:        s.cfg,
		Validator:  c.Validator,
		Translator: c.Translator,
		Controller: c.Controller,
		Gate:       c.SafetyGate,
	})

	ledgerHandler := ledgerhandlers.NewHandler(c.LedgerService, s.log)
	backtestHandler := backtesthandlers.NewHandler(c.BacktestStore, c.WorkProcessor, s.log)
	safetyHandler := safetyhandlers.NewHandler(c.SafetyGate, s.log)
	workHandlers := work.NewHandlers(c.WorkProcessor)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/events/stream", eventsHandler.HandleEventsStream)

		r.Post("/solve", solveHandlers.HandleSolve)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", systemHandlers.HandleSystemStatus)
			r.Get("/jobs", systemHandlers.HandleJobsStatus)
			r.Post("/jobs/{name}/run", systemHandlers.HandleRunJob)
			r.Get("/database/stats", systemHandlers.HandleDatabaseStats)
			r.Get("/disk-usage", systemHandlers.HandleDiskUsage)
		})

		ledgerHandler.RegisterRoutes(r)
		backtestHandler.RegisterRoutes(r)
		safetyHandler.RegisterRoutes(r)
		workHandlers.RegisterRoutes(r)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.statusMonitor.Start(60 * time.Second)

	s.log.Info().
		Int("port", s.port).
		Bool("dev_mode", s.devMode).
		Msg("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.statusMonitor.Stop()
	return s.server.Shutdown(ctx)
}

// Router exposes the route tree for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// loggingMiddleware logs HTTP requests with zerolog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration_ms", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r)
	})
}

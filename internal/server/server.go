// Package server provides the HTTP server for the registry API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/config"
	"github.com/basis-company/data-registry/internal/handler"
	"github.com/basis-company/data-registry/internal/health"
	"github.com/basis-company/data-registry/internal/middleware"
)

// Server represents the registry HTTP server
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	handlers    *handler.Handlers
	healthCheck *health.HealthCheck
	logger      *zap.Logger
	cfg         config.ServerConfig
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, handlers *handler.Handlers, healthCheck *health.HealthCheck, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s := &Server{
		router:      router,
		httpServer:  httpServer,
		handlers:    handlers,
		healthCheck: healthCheck,
		logger:      logger,
		cfg:         cfg,
	}
	s.setupRoutes()

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Setup middleware chain
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS([]string{"*"}),
	}

	// Add rate limiter if configured
	if s.cfg.RateLimit > 0 {
		rateLimiter := middleware.NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.logger)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	// Record operations
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/records/{key}", s.handlers.GetRecord).Methods(http.MethodGet)
	v1.HandleFunc("/records/{key}", s.handlers.PutRecord).Methods(http.MethodPut)
	v1.HandleFunc("/records/{key}", s.handlers.GetOrPutRecord).Methods(http.MethodPost)
	v1.HandleFunc("/records/{key}", s.handlers.DeleteRecord).Methods(http.MethodDelete)

	// Admin routes for inspection and reconciliation
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/keys", s.handlers.ListKeys).Methods(http.MethodGet)
	admin.HandleFunc("/keys/{key}/sync", s.handlers.GetSyncStatus).Methods(http.MethodGet)
	admin.HandleFunc("/reconcile", s.handlers.TriggerReconcile).Methods(http.MethodPost)

	// Not found handler
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"endpoint not found"}}`))
	})

	// Method not allowed handler
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":{"code":"INVALID_ARGUMENT","message":"method not allowed"}}`))
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router for testing purposes
func (s *Server) Handler() http.Handler {
	return s.router
}

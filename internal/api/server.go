package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/eligibility"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, aggregator *decision.Aggregator, evaluator *eligibility.Evaluator, scorer *scoring.Engine, fraudEngine *fraud.Engine, matcher *reconcile.Matcher, mon *monitor.Monitor, version string) *Server {
	handler := NewHandler(repo, cache, bus, aggregator, evaluator, scorer, fraudEngine, matcher, mon, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)
		r.Use(RateLimitMiddleware(cache, cfg.RateLimitPerMin))

		// Record ingestion
		r.Post("/applicants", handler.CreateApplicant)
		r.Get("/applicants/{id}", handler.GetApplicant)
		r.Post("/agreements", handler.CreateAgreement)
		r.Get("/agreements/{id}", handler.GetAgreement)
		r.Post("/installments", handler.CreateInstallment)
		r.Post("/payroll-batches", handler.IngestBatch)

		// Advance requests and the decision pipeline
		r.Post("/requests", handler.CreateRequest)
		r.Get("/requests/{id}", handler.GetRequest)
		r.Post("/requests/{id}/decide", handler.Decide)

		// Standalone evaluators
		r.Post("/eligibility/check", handler.CheckEligibility)
		r.Post("/scores", handler.Score)
		r.Get("/scores/{id}", handler.GetScore)
		r.Post("/fraud-checks", handler.CheckFraud)

		// Reconciliation
		r.Post("/reconciliations", handler.Reconcile)
		r.Get("/reconciliations/{id}", handler.GetReconciliation)

		// Alerts
		r.Post("/alerts/sweep", handler.SweepAlerts)
		r.Get("/alerts", handler.ListAlerts)
		r.Post("/alerts/{id}/resolve", handler.ResolveAlert)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

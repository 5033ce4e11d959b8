package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/config"
	"github.com/PortNumber53/entitlement-engine/internal/handlers"
	appmw "github.com/PortNumber53/entitlement-engine/internal/middleware"
	"github.com/PortNumber53/entitlement-engine/internal/worker"
)

// Deps are the services the HTTP surface is built from. Nil members leave their
// routes unregistered.
type Deps struct {
	DB       handlers.Pinger
	Catalog  *catalog.Catalog
	Ingest   handlers.WebhookIngest
	Checkout handlers.CheckoutStarter
	Gate     handlers.EntitlementGate
	Orgs     handlers.OrgDirectory
	Grants   handlers.GrantAdmin
	Jobs     handlers.JobQueue
	Worker   *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and services.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(appmw.RequestTracker)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health)
	if deps.DB != nil {
		router.Get("/readyz", handlers.Ready(deps.DB))
	}
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		if deps.Ingest != nil {
			r.Method(http.MethodPost, "/webhooks/stripe", handlers.NewWebhookHandler(deps.Ingest))
		}
		if deps.Checkout != nil {
			r.Post("/checkout", handlers.Checkout(deps.Checkout))
		}
		if deps.Gate != nil {
			r.Get("/entitlements", handlers.Entitlements(deps.Gate))
			r.Get("/gate/check", handlers.GateCheck(deps.Gate))
		}
		if deps.Catalog != nil {
			r.Get("/plans", handlers.Plans(deps.Catalog))
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(appmw.AdminToken(cfg.AdminToken))
			if deps.Orgs != nil && deps.Grants != nil {
				handlers.NewAdminHandler(deps.Orgs, deps.Grants).RegisterRoutes(r)
			}
			if deps.Jobs != nil {
				handlers.NewJobHandler(deps.Jobs).RegisterRoutes(r)
			}
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		log.Info().Msg("server: starting job worker")
		s.worker.Start(ctx)
	}
	log.Info().Str("addr", s.httpServer.Addr).Msg("server: listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		log.Info().Msg("server: shutting down job worker")
		if err := s.worker.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("server: worker shutdown error")
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

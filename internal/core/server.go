// Package core provides the HTTP chassis for the RelayPoint API: a chi
// router with the cross-cutting middleware chain (request id, recovery,
// logging, metrics) and the standard response envelope. Domain handlers are
// mounted through route registrars so the chassis stays free of handler
// imports.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"relaypoint/internal/config"
	"relaypoint/internal/metrics"
)

// RouteRegistrar mounts a group of domain routes onto the v1 router. The
// indirection avoids an import cycle between core and the handler packages.
type RouteRegistrar func(r chi.Router)

// Server wires the router, configuration and logger for the API process.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// V1Registrars are mounted under /v1 by MountRoutes.
	V1Registrars []RouteRegistrar

	// Readiness probes run by the health endpoint.
	Checks []Check

	router *chi.Mux
}

// NewServer constructs a Server with an empty router. Call MountRoutes after
// registering route registrars and health checks.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Router exposes the underlying chi router, primarily for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain and all routes. Must be
// called exactly once, after registrars and checks are populated.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(metrics.Middleware)

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.V1Registrars {
			registrar(r)
		}
	})

	s.router.Get("/healthz", s.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())
}

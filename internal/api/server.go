// Package api exposes the portwatch HTTP API: container queries, upgrade
// orchestration, notification testing, and a server-sent event stream.
package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/chis/portwatch/internal/events"
	"github.com/chis/portwatch/internal/logging"
	"github.com/chis/portwatch/internal/query"
	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/storage"
	"github.com/chis/portwatch/internal/upgrade"
)

// Notifier is the notification surface the API needs.
type Notifier interface {
	TestWebhook(ctx context.Context, url string) error
}

// Resolver resolves registry digests for the ad-hoc digest endpoint.
type Resolver interface {
	GetPlatformSpecificDigest(ctx context.Context, ref registry.ImageReference, platform registry.Platform) (registry.ManifestResolution, error)
}

// Upgrader runs container upgrades.
type Upgrader interface {
	Upgrade(ctx context.Context, req upgrade.Request) (upgrade.Result, error)
}

// Server is the HTTP API server.
type Server struct {
	queries     *query.Service
	upgrader    Upgrader
	notifier    Notifier
	resolver    Resolver
	store       storage.Store
	bus         *events.Bus
	log         *logging.Logger
	httpServer  *http.Server
	rateLimiter *RateLimiter
	instances   []string
}

// Config holds the API server dependencies.
type Config struct {
	ListenAddr string
	Queries    *query.Service
	Upgrader   Upgrader
	Notifier   Notifier
	Resolver   Resolver
	Store      storage.Store
	Bus        *events.Bus
	// Instances lists the configured Portainer instance URLs.
	Instances []string
}

// NewServer creates the API server with its middleware chain.
func NewServer(cfg Config) *Server {
	s := &Server{
		queries:   cfg.Queries,
		upgrader:  cfg.Upgrader,
		notifier:  cfg.Notifier,
		resolver:  cfg.Resolver,
		store:     cfg.Store,
		bus:       cfg.Bus,
		log:       logging.Default().WithField("component", "api"),
		instances: cfg.Instances,
	}

	if os.Getenv("PORTWATCH_DISABLE_RATE_LIMIT") != "true" {
		s.rateLimiter = NewRateLimiter(DefaultRateLimitConfig())
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	middlewares := []func(http.Handler) http.Handler{
		corsMiddleware,
		CorrelationIDMiddleware,
	}
	if s.rateLimiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.rateLimiter))
	}
	middlewares = append(middlewares, RequestLoggingMiddleware)
	handler := ChainMiddleware(mux, middlewares...)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // refreshes, upgrades, and SSE can be long-lived
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/instances", s.handleInstances)

	mux.HandleFunc("GET /api/containers", s.handleContainers)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)

	mux.HandleFunc("GET /api/images/unused", s.handleUnusedImages)

	mux.HandleFunc("POST /api/upgrade", s.handleUpgrade)
	mux.HandleFunc("GET /api/upgrades", s.handleUpgradeHistory)

	mux.HandleFunc("POST /api/notifications/test", s.handleNotificationTest)

	mux.HandleFunc("GET /api/digest", s.handleDigest)

	mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns the fully wrapped HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("api server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

// Package api provides the homedeck ops and control HTTP API.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/api/handler"
	"github.com/homedeck/homedeck/internal/api/middleware"
	"github.com/homedeck/homedeck/internal/auth"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	// Sources is the supervised source registry.
	Sources handler.Sources

	// Checks are probed by the readiness endpoint.
	Checks map[string]handler.Pinger

	// Tokens validates operator tokens. Control and event endpoints answer
	// 403 when nil.
	Tokens *auth.TokenService

	// ControlRateLimit is the number of control requests per minute and
	// operator. Defaults to middleware.ControlRateLimit.
	ControlRateLimit int

	RequireTLS bool

	// EventKeepAlive is the comment interval of the event stream.
	EventKeepAlive time.Duration
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "homedeck"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction
	r.Use(middleware.SecurityHeaders)      // Security headers
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)

	opsHandler := handler.NewOpsHandler(handler.OpsConfig{
		Version:   cfg.Version,
		BuildTime: cfg.BuildTime,
		Sources:   cfg.Sources,
		Checks:    cfg.Checks,
		Logger:    cfg.Logger,
	})
	sourcesHandler := handler.NewSourcesHandler(cfg.Sources, cfg.Logger)
	eventsHandler := handler.NewEventsHandler(handler.EventsConfig{
		Sources:   cfg.Sources,
		KeepAlive: cfg.EventKeepAlive,
		Logger:    cfg.Logger,
	})

	controlLimit := middleware.ControlRateLimit
	if cfg.ControlRateLimit > 0 {
		controlLimit.RequestLimit = cfg.ControlRateLimit
	}

	readAuth := middleware.RequireOperator(cfg.Tokens, auth.ScopeRead)
	controlAuth := middleware.RequireOperator(cfg.Tokens, auth.ScopeControl)

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.With(readAuth).Get("/status", opsHandler.SystemStatus)
		})

		r.Route("/sources", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(readAuth)
				r.Use(middleware.RateLimitByOperator(middleware.StandardRateLimit))
				r.Get("/", sourcesHandler.ListSources)
				r.Get("/{id}", sourcesHandler.GetSource)
			})

			r.Group(func(r chi.Router) {
				r.Use(controlAuth)
				r.Use(middleware.RateLimitByOperator(controlLimit))
				r.Use(middleware.RequireJSON)
				r.Post("/refresh", sourcesHandler.RefreshAll)
				r.Post("/{id}/refresh", sourcesHandler.RefreshSource)
				r.Post("/{id}/start", sourcesHandler.StartSource)
				r.Post("/{id}/stop", sourcesHandler.StopSource)
				r.Post("/{id}/restart", sourcesHandler.RestartSource)
			})
		})

		r.With(readAuth).Get("/events", eventsHandler.Stream)
	})

	return r
}

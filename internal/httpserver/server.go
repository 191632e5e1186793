package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hookline/server/internal/config"
	"github.com/hookline/server/internal/delivery"
	"github.com/hookline/server/internal/inbound"
	"github.com/hookline/server/internal/ingest"
	"github.com/hookline/server/internal/logger"
	"github.com/hookline/server/internal/metrics"
	"github.com/hookline/server/internal/ratelimit"
	"github.com/hookline/server/internal/subscriptions"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg        *config.Config
	registry   subscriptions.Repository
	deliveries delivery.Store
	inbound    inbound.EventStore
	dispatcher *delivery.Dispatcher
	worker     *delivery.Worker
	receiver   *ingest.Receiver
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// Dependencies bundles everything the router needs.
type Dependencies struct {
	Registry       subscriptions.Repository
	Deliveries     delivery.Store
	Inbound        inbound.EventStore
	Dispatcher     *delivery.Dispatcher
	Worker         *delivery.Worker
	Receiver       *ingest.Receiver
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler // defaults to promhttp.Handler()
	Logger         zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, deps Dependencies) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: newHandlers(cfg, deps),
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, deps)

	return s
}

func newHandlers(cfg *config.Config, deps Dependencies) handlers {
	return handlers{
		cfg:        cfg,
		registry:   deps.Registry,
		deliveries: deps.Deliveries,
		inbound:    deps.Inbound,
		dispatcher: deps.Dispatcher,
		worker:     deps.Worker,
		receiver:   deps.Receiver,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
}

// ConfigureRouter attaches all routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, deps Dependencies) {
	if router == nil {
		return
	}

	handler := newHandlers(cfg, deps)

	if len(cfg.Server.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Logging middleware goes before RequestID so the request logger is
	// already in context when the ID is stamped.
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	prefix := cfg.Server.RoutePrefix

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", handler.health)
		r.Handle(prefix+"/metrics", metricsHandler)
	})

	// Ingest endpoints carry the producer-facing rate limit. The paths
	// stay unversioned so producers get stable webhook URLs.
	ingestLimiter := ratelimit.IPLimiter(ratelimit.Config{
		Enabled: cfg.RateLimit.Enabled,
		Limit:   cfg.RateLimit.Limit,
		Window:  cfg.RateLimit.Window.Duration,
		Metrics: deps.Metrics,
	})
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(ingestLimiter)
		r.Post(prefix+"/ingest/events", handler.handleIngestEvent)
		r.Post(prefix+"/ingest/stripe", handler.handleStripeWebhook)
	})

	// Management API.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Post(prefix+"/v1/events", handler.publishEvent)

		r.Post(prefix+"/v1/subscriptions", handler.createSubscription)
		r.Get(prefix+"/v1/subscriptions", handler.listSubscriptions)
		r.Get(prefix+"/v1/subscriptions/{id}", handler.getSubscription)
		r.Put(prefix+"/v1/subscriptions/{id}", handler.updateSubscription)
		r.Delete(prefix+"/v1/subscriptions/{id}", handler.deactivateSubscription)
		r.Post(prefix+"/v1/subscriptions/{id}/test", handler.testSubscription)

		r.Get(prefix+"/v1/deliveries", handler.listDeliveries)
		r.Get(prefix+"/v1/deliveries/{id}", handler.getDelivery)
		r.Post(prefix+"/v1/deliveries/{id}/retry", handler.retryDelivery)

		r.Get(prefix+"/v1/inbound/{id}", handler.getInboundEvent)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

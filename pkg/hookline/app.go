// Package hookline wires the webhook engine's components for reuse or
// standalone serving.
package hookline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hookline/server/internal/config"
	"github.com/hookline/server/internal/dbpool"
	"github.com/hookline/server/internal/delivery"
	"github.com/hookline/server/internal/filter"
	"github.com/hookline/server/internal/httpserver"
	"github.com/hookline/server/internal/httputil"
	"github.com/hookline/server/internal/inbound"
	"github.com/hookline/server/internal/ingest"
	"github.com/hookline/server/internal/lifecycle"
	"github.com/hookline/server/internal/logger"
	"github.com/hookline/server/internal/metrics"
	"github.com/hookline/server/internal/signature"
	"github.com/hookline/server/internal/subscriptions"
)

// App assembles the delivery engine, inbound pipeline, and HTTP surface.
type App struct {
	Config     *config.Config
	Registry   subscriptions.Repository
	Deliveries delivery.Store
	Inbound    inbound.EventStore
	Dispatcher *delivery.Dispatcher
	Worker     *delivery.Worker
	Processor  *inbound.Processor
	Poller     *inbound.Poller
	Receiver   *ingest.Receiver

	router           chi.Router
	logger           zerolog.Logger
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
	started          bool
}

// Option configures App construction.
type Option func(*options)

type options struct {
	router     chi.Router
	handler    inbound.Handler
	registerer prometheus.Registerer
}

// WithRouter registers routes onto an existing chi.Router instead of a
// fresh one.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithHandler sets the handler invoked for admitted inbound events. The
// default handler republishes inbound events through the dispatcher.
func WithHandler(handler inbound.Handler) Option {
	return func(o *options) {
		o.handler = handler
	}
}

// WithRegisterer sets the Prometheus registerer metrics are registered
// with. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = registerer
	}
}

// NewApp assembles the engine from configuration.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("hookline: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	app.logger = logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "hookline",
		Environment: cfg.Logging.Environment,
	})

	registerer := optState.registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	app.metricsCollector = metrics.New(registerer)

	// One shared pool serves every postgres-backed store.
	var pool *dbpool.SharedPool
	if cfg.Storage.Backend == "postgres" || cfg.Storage.InboundBackend == "postgres" {
		var err error
		pool, err = dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage)
		if err != nil {
			return nil, err
		}
		app.resourceManager.Register("db-pool", pool)
	}
	var sharedDB *sql.DB
	if pool != nil {
		sharedDB = pool.DB()
	}

	registry, err := subscriptions.NewRepository(subscriptions.RepositoryConfig{
		Backend:    cfg.Storage.Backend,
		PostgresDB: sharedDB,
		TableName:  cfg.Storage.SubscriptionsTable,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Storage.CacheTTL.Duration > 0 {
		cached := subscriptions.NewCachedRepository(registry, cfg.Storage.CacheTTL.Duration, time.Now)
		app.resourceManager.Register("subscription-registry", cached)
		app.Registry = cached
	} else {
		app.resourceManager.Register("subscription-registry", registry)
		app.Registry = registry
	}

	app.Deliveries, err = delivery.NewStore(delivery.StoreConfig{
		Backend:    cfg.Storage.Backend,
		PostgresDB: sharedDB,
		TableName:  cfg.Storage.DeliveriesTable,
	})
	if err != nil {
		return nil, err
	}
	app.resourceManager.Register("delivery-store", app.Deliveries)

	inboundDB := sharedDB
	if cfg.Storage.InboundBackend != "postgres" {
		inboundDB = nil
	}
	app.Inbound, err = inbound.NewEventStore(inbound.StoreConfig{
		Backend:         cfg.Storage.InboundBackend,
		PostgresDB:      inboundDB,
		TableName:       cfg.Storage.InboundTable,
		MongoURI:        cfg.Storage.MongoURI,
		MongoDatabase:   cfg.Storage.MongoDatabase,
		MongoCollection: cfg.Storage.MongoCollection,
	})
	if err != nil {
		return nil, err
	}
	app.resourceManager.Register("inbound-store", app.Inbound)

	codec := signature.NewCodec()

	app.Dispatcher = delivery.NewDispatcher(delivery.DispatcherOptions{
		Store:    app.Deliveries,
		Registry: app.Registry,
		Filters:  filter.NewEvaluator(),
		Logger:   app.logger,
		Metrics:  app.metricsCollector,
	})

	app.Worker = delivery.NewWorker(delivery.WorkerOptions{
		Store:            app.Deliveries,
		Registry:         app.Registry,
		Codec:            codec,
		Client:           httputil.NewClient(cfg.Delivery.HTTPTimeout.Duration),
		Logger:           app.logger,
		Metrics:          app.metricsCollector,
		PollInterval:     cfg.Delivery.PollInterval.Duration,
		BatchSize:        cfg.Delivery.BatchSize,
		Concurrency:      cfg.Delivery.Concurrency,
		DisableThreshold: cfg.Delivery.DisableThreshold,
	})

	handler := optState.handler
	if handler == nil {
		handler = republishHandler(app.Dispatcher)
	}
	app.Processor = inbound.NewProcessor(inbound.ProcessorOptions{
		Store:       app.Inbound,
		Handler:     handler,
		Logger:      app.logger,
		Metrics:     app.metricsCollector,
		MaxAttempts: cfg.Inbound.MaxAttempts,
		RetryDelay:  cfg.Inbound.RetryDelay.Duration,
		Multiplier:  cfg.Inbound.BackoffMultiplier,
		MaxDelay:    cfg.Inbound.MaxDelay.Duration,
	})
	app.Poller = inbound.NewPoller(inbound.PollerOptions{
		Store:        app.Inbound,
		Processor:    app.Processor,
		Logger:       app.logger,
		PollInterval: cfg.Inbound.PollInterval.Duration,
		BatchSize:    cfg.Inbound.BatchSize,
	})

	app.Receiver = ingest.NewReceiver(ingest.ReceiverOptions{
		Store:     app.Inbound,
		Processor: app.Processor,
		Codec:     codec,
		Logger:    app.logger,
		Metrics:   app.metricsCollector,
		Secret:    cfg.Ingest.Secret,
		Tolerance: cfg.Ingest.Tolerance.Duration,
	})

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, app.dependencies())

	return app, nil
}

func (a *App) dependencies() httpserver.Dependencies {
	return httpserver.Dependencies{
		Registry:   a.Registry,
		Deliveries: a.Deliveries,
		Inbound:    a.Inbound,
		Dispatcher: a.Dispatcher,
		Worker:     a.Worker,
		Receiver:   a.Receiver,
		Metrics:    a.metricsCollector,
		Logger:     a.logger,
	}
}

// Server builds a standalone HTTP server around the app's dependencies.
func (a *App) Server() *httpserver.Server {
	return httpserver.New(a.Config, a.dependencies())
}

// Start launches the delivery worker and inbound poller.
func (a *App) Start(ctx context.Context) {
	if a.started {
		return
	}
	a.started = true
	a.Worker.Start(ctx)
	a.Poller.Start(ctx)
}

// Router returns the chi router with all routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close stops background loops and releases owned resources.
func (a *App) Close() error {
	if a.started {
		a.Worker.Stop()
		a.Poller.Stop()
		a.started = false
	}
	return a.resourceManager.Close()
}

// republishHandler fans admitted inbound events back out through the
// dispatcher, turning the engine into a relay: events received on the
// ingest endpoints are delivered to matching subscriptions.
func republishHandler(dispatcher *delivery.Dispatcher) inbound.Handler {
	return inbound.HandlerFunc(func(ctx context.Context, event inbound.InboundEvent) error {
		var data map[string]any
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &data); err != nil {
				return inbound.Permanent(err)
			}
		}
		_, err := dispatcher.Dispatch(ctx, delivery.Event{
			ID:         event.ExternalEventID,
			Type:       event.EventType,
			Data:       data,
			OccurredAt: event.CreatedAt,
		})
		return err
	})
}

// Config is an exported alias of the internal configuration struct for
// embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the engine.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Hookline.
type Metrics struct {
	// Outbound delivery metrics
	DeliveriesTotal       *prometheus.CounterVec
	DeliveryAttemptsTotal *prometheus.CounterVec
	DeliveryRetriesTotal  *prometheus.CounterVec
	DeliveryDuration      *prometheus.HistogramVec
	DeliveryQueueDepth    prometheus.Gauge

	// Subscription metrics
	SubscriptionsDisabledTotal *prometheus.CounterVec
	SubscriptionsSkippedTotal  *prometheus.CounterVec

	// Inbound event metrics
	InboundEventsTotal       *prometheus.CounterVec
	InboundDuplicatesTotal   *prometheus.CounterVec
	InboundProcessingTotal   *prometheus.CounterVec
	InboundProcessDuration   *prometheus.HistogramVec
	SignatureRejectionsTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_deliveries_total",
				Help: "Total number of deliveries reaching a terminal status",
			},
			[]string{"event_type", "status"},
		),
		DeliveryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_delivery_attempts_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"event_type", "outcome"},
		),
		DeliveryRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_delivery_retries_total",
				Help: "Total number of delivery retries scheduled",
			},
			[]string{"event_type"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookline_delivery_duration_seconds",
				Help:    "Time taken for a single delivery attempt",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type"},
		),
		DeliveryQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookline_delivery_queue_depth",
				Help: "Number of deliveries waiting to be dispatched",
			},
		),

		SubscriptionsDisabledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_subscriptions_disabled_total",
				Help: "Total number of subscriptions auto-disabled after consecutive failures",
			},
			[]string{"reason"},
		),
		SubscriptionsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_subscriptions_skipped_total",
				Help: "Total number of matched subscriptions skipped before enqueue",
			},
			[]string{"reason"},
		),

		InboundEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_inbound_events_total",
				Help: "Total number of inbound events admitted",
			},
			[]string{"event_type", "source"},
		),
		InboundDuplicatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_inbound_duplicates_total",
				Help: "Total number of inbound events rejected as duplicates",
			},
			[]string{"event_type", "source"},
		),
		InboundProcessingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_inbound_processing_total",
				Help: "Total number of inbound processing runs by result",
			},
			[]string{"event_type", "result"},
		),
		InboundProcessDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookline_inbound_process_duration_seconds",
				Help:    "Time taken to process an inbound event (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"event_type"},
		),
		SignatureRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_signature_rejections_total",
				Help: "Total number of inbound requests rejected at signature verification",
			},
			[]string{"source", "reason"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookline_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookline_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookline_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveAttempt records a single delivery attempt and its outcome.
func (m *Metrics) ObserveAttempt(eventType, outcome string, duration time.Duration) {
	m.DeliveryAttemptsTotal.WithLabelValues(eventType, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// ObserveTerminal records a delivery reaching a terminal status.
func (m *Metrics) ObserveTerminal(eventType, status string) {
	m.DeliveriesTotal.WithLabelValues(eventType, status).Inc()
}

// ObserveRetry records a retry being scheduled.
func (m *Metrics) ObserveRetry(eventType string) {
	m.DeliveryRetriesTotal.WithLabelValues(eventType).Inc()
}

// ObserveInbound records an admitted or duplicate inbound event.
func (m *Metrics) ObserveInbound(eventType, source string, duplicate bool) {
	if duplicate {
		m.InboundDuplicatesTotal.WithLabelValues(eventType, source).Inc()
		return
	}
	m.InboundEventsTotal.WithLabelValues(eventType, source).Inc()
}

// ObserveProcessing records the result of one inbound processing run.
func (m *Metrics) ObserveProcessing(eventType, result string, duration time.Duration) {
	m.InboundProcessingTotal.WithLabelValues(eventType, result).Inc()
	m.InboundProcessDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// ObserveRateLimit records a request rejected by a rate limiter.
func (m *Metrics) ObserveRateLimit(limitType string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records the duration of a database operation.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Enrichment Metrics
	transactionsEnrichedTotal *prometheus.CounterVec
	enrichDuration            *prometheus.HistogramVec
	enrichErrorsTotal         *prometheus.CounterVec
	instructionsSkippedTotal  prometheus.Counter
	batchSize                 prometheus.Histogram

	// Webhook Metrics
	webhookDeliveriesTotal  *prometheus.CounterVec
	webhookDuplicatesTotal  prometheus.Counter
	webhookRateLimitedTotal prometheus.Counter

	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec

	// Workflow Metrics
	activityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Enrichment Metrics
		transactionsEnrichedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_enriched_total",
				Help: "Total number of transactions enriched by type and source",
			},
			[]string{"type", "source"},
		),
		enrichDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrich_duration_seconds",
				Help:    "Duration of single transaction enrichment in seconds",
				Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"type"},
		),
		enrichErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_errors_total",
				Help: "Total number of enrichment errors by kind",
			},
			[]string{"kind"},
		),
		instructionsSkippedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "instructions_skipped_total",
				Help: "Total number of instructions skipped because of an out-of-range index",
			},
		),
		batchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "enrich_batch_size",
				Help:    "Number of raw transactions per enrichment batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
			},
		),

		// Webhook Metrics
		webhookDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of webhook deliveries by outcome",
			},
			[]string{"status"},
		),
		webhookDuplicatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_duplicate_transactions_total",
				Help: "Total number of transactions already seen within the de-duplication window",
			},
		),
		webhookRateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_rate_limited_total",
				Help: "Total number of webhook deliveries rejected by the rate limiter",
			},
		),

		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),

		// Workflow Metrics
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrich_activity_duration_seconds",
				Help:    "Duration of enrichment workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"filter"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"filter", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"type", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"type"},
		),
	}
}

// Enrichment metric helpers

// RecordEnrichment records one enriched transaction.
func (m *Metrics) RecordEnrichment(txType, source string, duration float64) {
	m.transactionsEnrichedTotal.WithLabelValues(txType, source).Inc()
	m.enrichDuration.WithLabelValues(txType).Observe(duration)
}

// RecordEnrichError records an enrichment failure. kind is one of
// "malformed_balance_data", "assembly" or "panic".
func (m *Metrics) RecordEnrichError(kind string) {
	m.enrichErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordInstructionsSkipped records instructions dropped by the indexer.
func (m *Metrics) RecordInstructionsSkipped(count int) {
	m.instructionsSkippedTotal.Add(float64(count))
}

// RecordBatchSize records the size of an enrichment batch.
func (m *Metrics) RecordBatchSize(size int) {
	m.batchSize.Observe(float64(size))
}

// Webhook metric helpers

// RecordWebhookDelivery records a webhook delivery outcome.
func (m *Metrics) RecordWebhookDelivery(status string) {
	m.webhookDeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordDuplicates records transactions skipped by de-duplication.
func (m *Metrics) RecordDuplicates(count int) {
	m.webhookDuplicatesTotal.Add(float64(count))
}

// RecordRateLimited records a delivery rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	m.webhookRateLimitedTotal.Inc()
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// Workflow metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(filter string, delta float64) {
	m.sseActiveConnections.WithLabelValues(filter).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(filter, eventType string) {
	m.sseEventsSent.WithLabelValues(filter, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(txType, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(txType, status).Inc()
	m.natsPublishDuration.WithLabelValues(txType).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

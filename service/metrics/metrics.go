package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Chain RPC Metrics
	chainRPCCallsTotal    *prometheus.CounterVec
	chainRPCCallDuration  *prometheus.HistogramVec
	chainRPCRateLimitHits *prometheus.CounterVec
	chainRPCRetries       *prometheus.CounterVec
	chainRPCLogsPerCall   *prometheus.HistogramVec

	// Split Event Processing Metrics
	eventsFetchedTotal       *prometheus.CounterVec
	eventsWrittenTotal       *prometheus.CounterVec
	eventsSkippedTotal       *prometheus.CounterVec
	eventsDeduplicationRatio *prometheus.GaugeVec
	indexLastBlock           *prometheus.GaugeVec

	// Reconciliation Metrics
	reconcileOutcomesTotal *prometheus.CounterVec
	reconcileDuration      *prometheus.HistogramVec

	// Sync Metrics
	syncDuration         *prometheus.HistogramVec
	syncExecutionsTotal  *prometheus.CounterVec
	syncActivityDuration *prometheus.HistogramVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestsInFlight *prometheus.GaugeVec

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
		// Chain RPC Metrics
		chainRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		chainRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		chainRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_rate_limit_hits_total",
				Help: "Total number of chain RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		chainRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_retries_total",
				Help: "Total number of chain RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		chainRPCLogsPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_logs_per_call",
				Help:    "Number of logs returned per FilterLogs call",
				Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"endpoint"},
		),

		// Split Event Processing Metrics
		eventsFetchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "split_events_fetched_total",
				Help: "Total number of split contract events decoded from chain logs",
			},
			[]string{"split_address", "kind"},
		),
		eventsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "split_events_written_total",
				Help: "Total number of split events written to the ledger",
			},
			[]string{"split_address"},
		),
		eventsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "split_events_skipped_total",
				Help: "Total number of split events skipped",
			},
			[]string{"split_address", "reason"},
		),
		eventsDeduplicationRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "split_events_deduplication_ratio",
				Help: "Ratio of already-indexed events to fetched events in the last run (0.0-1.0)",
			},
			[]string{"split_address"},
		),
		indexLastBlock: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "split_index_last_block",
				Help: "Last block scanned for a split contract",
			},
			[]string{"split_address"},
		),

		// Reconciliation Metrics
		reconcileOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_payments_total",
				Help: "Total number of payments evaluated by reconciliation, by outcome",
			},
			[]string{"outcome", "strategy"},
		),
		reconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconcile_duration_seconds",
				Help:    "Duration of reconciliation runs in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"status"},
		),

		// Sync Metrics
		syncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "split_sync_duration_seconds",
				Help:    "Duration of inline index and reconcile runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"trigger", "status"},
		),
		syncExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "split_sync_executions_total",
				Help: "Total number of inline index and reconcile runs",
			},
			[]string{"trigger", "status"},
		),
		syncActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_activity_duration_seconds",
				Help:    "Duration of split sync activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "split_address"},
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
		httpRequestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "HTTP requests being served, including open ledger streams",
			},
			[]string{"handler"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Chain RPC metric helpers

// RecordRPCCall records a chain RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.chainRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.chainRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.chainRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.chainRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCLogsPerCall records the number of logs returned by one FilterLogs call.
func (m *Metrics) RecordRPCLogsPerCall(endpoint string, count float64) {
	m.chainRPCLogsPerCall.WithLabelValues(endpoint).Observe(count)
}

// Split event metric helpers

// RecordEventsFetched records decoded split events by kind.
func (m *Metrics) RecordEventsFetched(splitAddress, kind string, count int) {
	m.eventsFetchedTotal.WithLabelValues(splitAddress, kind).Add(float64(count))
}

// RecordEventsWritten records events newly written to the ledger.
func (m *Metrics) RecordEventsWritten(splitAddress string, count int) {
	m.eventsWrittenTotal.WithLabelValues(splitAddress).Add(float64(count))
}

// RecordEventsSkipped records events skipped.
func (m *Metrics) RecordEventsSkipped(splitAddress, reason string, count int) {
	m.eventsSkippedTotal.WithLabelValues(splitAddress, reason).Add(float64(count))
}

// RecordDeduplicationRatio records the deduplication efficiency ratio.
func (m *Metrics) RecordDeduplicationRatio(splitAddress string, ratio float64) {
	m.eventsDeduplicationRatio.WithLabelValues(splitAddress).Set(ratio)
}

// RecordIndexCursor records the last scanned block for a split.
func (m *Metrics) RecordIndexCursor(splitAddress string, block uint64) {
	m.indexLastBlock.WithLabelValues(splitAddress).Set(float64(block))
}

// Reconciliation metric helpers

// RecordReconcileOutcome records one evaluated payment.
// Outcome is matched, already_linked or unmatched; strategy is empty unless matched.
func (m *Metrics) RecordReconcileOutcome(outcome, strategy string) {
	m.reconcileOutcomesTotal.WithLabelValues(outcome, strategy).Inc()
}

// RecordReconcileDuration records the duration of a reconciliation run.
func (m *Metrics) RecordReconcileDuration(status string, duration float64) {
	m.reconcileDuration.WithLabelValues(status).Observe(duration)
}

// Sync metric helpers

// RecordSyncDuration records an inline webhook sync. status is ok, partial or error.
func (m *Metrics) RecordSyncDuration(trigger, status string, duration float64) {
	m.syncDuration.WithLabelValues(trigger, status).Observe(duration)
	m.syncExecutionsTotal.WithLabelValues(trigger, status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, splitAddress string, duration float64) {
	m.syncActivityDuration.WithLabelValues(activity, splitAddress).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
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

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SettleLedger.
// Every recording method is safe to call on a nil *Metrics so tests and
// tools can run without a registry.
type Metrics struct {
	// --- Idempotency ---
	IdempotencyDecisions *prometheus.CounterVec
	IdempotencyPurged    prometheus.Counter

	// --- Ledger ---
	LedgerPostings *prometheus.CounterVec

	// --- Settlement ---
	SettlementsComputed *prometheus.CounterVec
	SettlementDuration  prometheus.Histogram
	UnresolvedWinners   prometheus.Counter

	// --- Finalize ---
	FinalizeTransitions *prometheus.CounterVec
	RelayerDuration     prometheus.Histogram
	ReconcilerTimeouts  prometheus.Counter

	// --- Disputes ---
	DisputesResolved *prometheus.CounterVec

	// --- Queue view ---
	QueueDepth *prometheus.GaugeVec

	// --- Ingestion / outbound ---
	WebhooksProcessed *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec

	// --- Event log persistence ---
	EventLogWritten  prometheus.Counter
	EventLogErrors   *prometheus.CounterVec
	EventLogBatchDur prometheus.Histogram

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	dbBuckets := []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	relayerBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	return &Metrics{
		IdempotencyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_idempotency_decisions_total",
			Help: "Idempotency guard decisions by outcome",
		}, []string{"outcome"}),

		IdempotencyPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_idempotency_keys_purged_total",
			Help: "Expired idempotency keys deleted",
		}),

		LedgerPostings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_ledger_postings_total",
			Help: "Ledger rows posted, split by channel and whether the ref already existed",
		}, []string{"channel", "result"}),

		SettlementsComputed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_settlements_total",
			Help: "Settlement attempts by result (created, existing, rejected)",
		}, []string{"result"}),

		SettlementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_settlement_duration_seconds",
			Help:    "Time to compute and post one settlement",
			Buckets: dbBuckets,
		}),

		UnresolvedWinners: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_unresolved_winners_total",
			Help: "Crypto winners without a resolvable payout address",
		}),

		FinalizeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_finalize_transitions_total",
			Help: "Finalize job transitions by target status",
		}, []string{"status"}),

		RelayerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_relayer_submit_duration_seconds",
			Help:    "Relayer finalize submission latency",
			Buckets: relayerBuckets,
		}),

		ReconcilerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_finalize_running_timeouts_total",
			Help: "Running finalize jobs failed by the timeout reconciler",
		}),

		DisputesResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_disputes_resolved_total",
			Help: "Dispute resolutions by action",
		}, []string{"action"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_queue_depth",
			Help: "Predictions needing operator attention, by kind",
		}, []string{"kind"}),

		WebhooksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_webhooks_processed_total",
			Help: "Inbound payment gateway webhooks by result",
		}, []string{"result"}),

		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_publish_failures_total",
			Help: "Outbound NATS publish failures by subject kind",
		}, []string{"kind"}),

		EventLogWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_event_log_written_total",
			Help: "Settlement events written to the event log",
		}),

		EventLogErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_event_log_errors_total",
			Help: "Event log write failures by stage",
		}, []string{"stage"}),

		EventLogBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_event_log_batch_duration_seconds",
			Help:    "Time to write one event log batch",
			Buckets: dbBuckets,
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "code"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: dbBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) RecordIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.IdempotencyDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPurged(n int64) {
	if m == nil {
		return
	}
	m.IdempotencyPurged.Add(float64(n))
}

func (m *Metrics) RecordPosting(channel string, inserted bool) {
	if m == nil {
		return
	}
	result := "inserted"
	if !inserted {
		result = "duplicate"
	}
	m.LedgerPostings.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) RecordSettlement(result string, started time.Time) {
	if m == nil {
		return
	}
	m.SettlementsComputed.WithLabelValues(result).Inc()
	m.SettlementDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordUnresolved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UnresolvedWinners.Add(float64(n))
}

func (m *Metrics) RecordFinalize(status string) {
	if m == nil {
		return
	}
	m.FinalizeTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveRelayer(started time.Time) {
	if m == nil {
		return
	}
	m.RelayerDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordTimeouts(n int64) {
	if m == nil {
		return
	}
	m.ReconcilerTimeouts.Add(float64(n))
}

func (m *Metrics) RecordDispute(action string) {
	if m == nil {
		return
	}
	m.DisputesResolved.WithLabelValues(action).Inc()
}

func (m *Metrics) SetQueueDepth(kind string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) RecordWebhook(result string) {
	if m == nil {
		return
	}
	m.WebhooksProcessed.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPublishFailure(kind string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordEventLogBatch(n int, started time.Time) {
	if m == nil {
		return
	}
	m.EventLogWritten.Add(float64(n))
	m.EventLogBatchDur.Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordEventLogError(stage string) {
	if m == nil {
		return
	}
	m.EventLogErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveHTTP(route string, code int, started time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, httpCodeLabel(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
}

func httpCodeLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks intent lifecycle activity inside the engine.
type EngineMetrics struct {
	transitions      *prometheus.CounterVec
	chainSubmissions *prometheus.CounterVec
	reconcileFlags   prometheus.Counter
}

// IngestMetrics tracks the chain log poller and its replay machinery.
type IngestMetrics struct {
	events     *prometheus.CounterVec
	duplicates prometheus.Counter
	deferred   prometheus.Counter
	dropped    prometheus.Counter
	reorgs     prometheus.Counter
	cursor     prometheus.Gauge
}

// WebhookMetrics tracks merchant notification delivery.
type WebhookMetrics struct {
	deliveries *prometheus.CounterVec
	latency    prometheus.Histogram
	exhausted  prometheus.Counter
	backlog    prometheus.Gauge
}

// OracleMetrics tracks price refresh health.
type OracleMetrics struct {
	refreshes *prometheus.CounterVec
	quoteAge  *prometheus.GaugeVec
}

// SchedulerMetrics tracks background job execution.
type SchedulerMetrics struct {
	runs     *prometheus.CounterVec
	skips    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// PayoutMetrics tracks merchant settlement batches.
type PayoutMetrics struct {
	transfers *prometheus.CounterVec
	batches   prometheus.Histogram
}

// GatewayMetrics tracks the HTTP surface.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles prometheus.Counter
}

// ReconMetrics tracks reconciliation scans and exports.
type ReconMetrics struct {
	anomalies *prometheus.CounterVec
	exports   *prometheus.CounterVec
}

// FeedMetrics tracks the in-process event feed.
type FeedMetrics struct {
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	ingestMetricsOnce sync.Once
	ingestRegistry    *IngestMetrics

	webhookMetricsOnce sync.Once
	webhookRegistry    *WebhookMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	schedulerMetricsOnce sync.Once
	schedulerRegistry    *SchedulerMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics

	feedMetricsOnce sync.Once
	feedRegistry    *FeedMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Count of intent status transitions segmented by source and target state.",
			}, []string{"from", "to"}),
			chainSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "engine",
				Name:      "chain_submissions_total",
				Help:      "Count of escrow contract submissions segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			reconcileFlags: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "engine",
				Name:      "reconcile_flags_total",
				Help:      "Count of intents flagged for operator reconciliation.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.transitions,
			engineRegistry.chainSubmissions,
			engineRegistry.reconcileFlags,
		)
	})
	return engineRegistry
}

// RecordTransition increments the transition counter for one lifecycle edge.
func (m *EngineMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelState(from), labelState(to)).Inc()
}

// RecordChainSubmission records the outcome of a contract submission.
func (m *EngineMetrics) RecordChainSubmission(method string, err error) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	m.chainSubmissions.WithLabelValues(method, labelOutcome(err)).Inc()
}

// RecordReconcileFlag counts an intent newly flagged for review.
func (m *EngineMetrics) RecordReconcileFlag() {
	if m == nil {
		return
	}
	m.reconcileFlags.Inc()
}

// Ingest returns the metrics registry for the event ingestor.
func Ingest() *IngestMetrics {
	ingestMetricsOnce.Do(func() {
		ingestRegistry = &IngestMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Count of escrow logs applied segmented by event name.",
			}, []string{"event"}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "ingest",
				Name:      "duplicates_total",
				Help:      "Count of escrow logs skipped because they were already applied.",
			}),
			deferred: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "ingest",
				Name:      "deferred_total",
				Help:      "Count of logs parked because their payment creation had not landed yet.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "ingest",
				Name:      "dropped_total",
				Help:      "Count of parked logs discarded after the replay queue overflowed or expired.",
			}),
			reorgs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "ingest",
				Name:      "reorgs_total",
				Help:      "Count of cursor rewinds triggered by a block hash mismatch.",
			}),
			cursor: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "parapay",
				Subsystem: "ingest",
				Name:      "cursor_block",
				Help:      "Last finalized block number fully applied by the ingestor.",
			}),
		}
		prometheus.MustRegister(
			ingestRegistry.events,
			ingestRegistry.duplicates,
			ingestRegistry.deferred,
			ingestRegistry.dropped,
			ingestRegistry.reorgs,
			ingestRegistry.cursor,
		)
	})
	return ingestRegistry
}

// RecordEvent counts one applied escrow log.
func (m *IngestMetrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	if event = strings.TrimSpace(event); event == "" {
		event = "unknown"
	}
	m.events.WithLabelValues(event).Inc()
}

// RecordDuplicate counts a log dropped by the applied-event table.
func (m *IngestMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// RecordDeferred counts a log parked for replay.
func (m *IngestMetrics) RecordDeferred() {
	if m == nil {
		return
	}
	m.deferred.Inc()
}

// RecordDropped counts a parked log discarded without being applied.
func (m *IngestMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// RecordReorg counts a cursor rewind.
func (m *IngestMetrics) RecordReorg() {
	if m == nil {
		return
	}
	m.reorgs.Inc()
}

// SetCursor publishes the applied cursor height.
func (m *IngestMetrics) SetCursor(block uint64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(block))
}

// Webhook returns the metrics registry for the webhook dispatcher.
func Webhook() *WebhookMetrics {
	webhookMetricsOnce.Do(func() {
		webhookRegistry = &WebhookMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Count of webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "parapay",
				Subsystem: "webhook",
				Name:      "delivery_duration_seconds",
				Help:      "Latency distribution for webhook POSTs.",
				Buckets:   prometheus.DefBuckets,
			}),
			exhausted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "webhook",
				Name:      "exhausted_total",
				Help:      "Count of webhook events that used up every delivery attempt.",
			}),
			backlog: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "parapay",
				Subsystem: "webhook",
				Name:      "backlog",
				Help:      "Number of due webhook events observed by the last sweep.",
			}),
		}
		prometheus.MustRegister(
			webhookRegistry.deliveries,
			webhookRegistry.latency,
			webhookRegistry.exhausted,
			webhookRegistry.backlog,
		)
	})
	return webhookRegistry
}

// RecordDelivery records one delivery attempt and its latency.
func (m *WebhookMetrics) RecordDelivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.latency.Observe(d.Seconds())
}

// RecordExhausted counts an event moved to its terminal FAILED status.
func (m *WebhookMetrics) RecordExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// SetBacklog publishes the due-event count seen by a sweep.
func (m *WebhookMetrics) SetBacklog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

// Oracle returns the metrics registry for the price oracle.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "oracle",
				Name:      "refreshes_total",
				Help:      "Count of price refresh attempts segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			quoteAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "parapay",
				Subsystem: "oracle",
				Name:      "quote_age_seconds",
				Help:      "Age of the cached quote per tracked pair.",
			}, []string{"pair"}),
		}
		prometheus.MustRegister(oracleRegistry.refreshes, oracleRegistry.quoteAge)
	})
	return oracleRegistry
}

// RecordRefresh records the outcome of one source fetch.
func (m *OracleMetrics) RecordRefresh(source string, err error) {
	if m == nil {
		return
	}
	if source = strings.TrimSpace(source); source == "" {
		source = "unknown"
	}
	m.refreshes.WithLabelValues(source, labelOutcome(err)).Inc()
}

// SetQuoteAge publishes how old the cached quote for a pair is.
func (m *OracleMetrics) SetQuoteAge(pair string, age time.Duration) {
	if m == nil {
		return
	}
	if pair = strings.TrimSpace(pair); pair == "" {
		pair = "unknown"
	}
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.quoteAge.WithLabelValues(pair).Set(seconds)
}

// Scheduler returns the metrics registry for background jobs.
func Scheduler() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerRegistry = &SchedulerMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "scheduler",
				Name:      "runs_total",
				Help:      "Count of job executions segmented by job and outcome.",
			}, []string{"job", "outcome"}),
			skips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "scheduler",
				Name:      "skips_total",
				Help:      "Count of ticks skipped because the previous run was still live.",
			}, []string{"job"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "parapay",
				Subsystem: "scheduler",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for job executions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job"}),
		}
		prometheus.MustRegister(
			schedulerRegistry.runs,
			schedulerRegistry.skips,
			schedulerRegistry.duration,
		)
	})
	return schedulerRegistry
}

// ObserveRun records one completed job execution.
func (m *SchedulerMetrics) ObserveRun(job string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if job = strings.TrimSpace(job); job == "" {
		job = "unknown"
	}
	m.runs.WithLabelValues(job, labelOutcome(err)).Inc()
	m.duration.WithLabelValues(job).Observe(d.Seconds())
}

// RecordSkip counts an overlapping tick that was not started.
func (m *SchedulerMetrics) RecordSkip(job string) {
	if m == nil {
		return
	}
	if job = strings.TrimSpace(job); job == "" {
		job = "unknown"
	}
	m.skips.WithLabelValues(job).Inc()
}

// Payouts returns the metrics registry for settlement batches.
func Payouts() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "payouts",
				Name:      "transfers_total",
				Help:      "Count of payout transfers segmented by outcome.",
			}, []string{"outcome"}),
			batches: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "parapay",
				Subsystem: "payouts",
				Name:      "batch_duration_seconds",
				Help:      "Latency distribution for payout batch runs.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(payoutRegistry.transfers, payoutRegistry.batches)
	})
	return payoutRegistry
}

// RecordTransfer records the outcome of one on-chain payout transfer.
func (m *PayoutMetrics) RecordTransfer(err error) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(labelOutcome(err)).Inc()
}

// ObserveBatch records the duration of one batch run.
func (m *PayoutMetrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batches.Observe(d.Seconds())
}

// Gateway returns the metrics registry for the HTTP surface.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "parapay",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the per-key rate limiter.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of an HTTP request. The status code should be
// the one ultimately written to the response writer.
func (m *GatewayMetrics) Observe(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route = strings.TrimSpace(route); route == "" {
		route = "unknown"
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(d.Seconds())
}

// RecordThrottle counts a rate-limited request.
func (m *GatewayMetrics) RecordThrottle() {
	if m == nil {
		return
	}
	m.throttles.Inc()
}

// Recon returns the metrics registry for reconciliation.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Count of reconciliation findings segmented by kind.",
			}, []string{"kind"}),
			exports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "recon",
				Name:      "exports_total",
				Help:      "Count of settlement report exports segmented by format and outcome.",
			}, []string{"format", "outcome"}),
		}
		prometheus.MustRegister(reconRegistry.anomalies, reconRegistry.exports)
	})
	return reconRegistry
}

// RecordAnomaly counts one finding of the given kind.
func (m *ReconMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

// RecordExport records the outcome of one report export.
func (m *ReconMetrics) RecordExport(format string, err error) {
	if m == nil {
		return
	}
	if format = strings.TrimSpace(format); format == "" {
		format = "unknown"
	}
	m.exports.WithLabelValues(format, labelOutcome(err)).Inc()
}

// Feed returns the metrics registry for the in-process event feed.
func Feed() *FeedMetrics {
	feedMetricsOnce.Do(func() {
		feedRegistry = &FeedMetrics{
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "parapay",
				Subsystem: "feed",
				Name:      "dropped_total",
				Help:      "Count of feed events dropped because a subscriber buffer was full.",
			}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "parapay",
				Subsystem: "feed",
				Name:      "subscribers",
				Help:      "Number of live feed subscribers.",
			}),
		}
		prometheus.MustRegister(feedRegistry.dropped, feedRegistry.subscribers)
	})
	return feedRegistry
}

// RecordDrop counts an event a slow subscriber missed.
func (m *FeedMetrics) RecordDrop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// SetSubscribers publishes the live subscriber count.
func (m *FeedMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func labelOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func labelState(state string) string {
	trimmed := strings.TrimSpace(state)
	if trimmed == "" {
		return "NONE"
	}
	return strings.ToUpper(trimmed)
}

package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	return nil
}

func metricWithLabels(fam *dto.MetricFamily, want map[string]string) *dto.Metric {
	for _, m := range fam.GetMetric() {
		labels := make(map[string]string, len(m.GetLabel()))
		for _, pair := range m.GetLabel() {
			labels[pair.GetName()] = pair.GetValue()
		}
		match := true
		for k, v := range want {
			if labels[k] != v {
				match = false
				break
			}
		}
		if match {
			return m
		}
	}
	return nil
}

func TestEngineMetricsPublish(t *testing.T) {
	Engine().RecordTransition("requires_payment", "processing")
	Engine().RecordChainSubmission("release", nil)
	Engine().RecordChainSubmission("release", errors.New("nonce too low"))
	Engine().RecordReconcileFlag()

	transitions := gatherFamily(t, "parapay_engine_transitions_total")
	require.NotNil(t, transitions)
	m := metricWithLabels(transitions, map[string]string{"from": "REQUIRES_PAYMENT", "to": "PROCESSING"})
	require.NotNil(t, m)
	require.Equal(t, float64(1), m.GetCounter().GetValue())

	submissions := gatherFamily(t, "parapay_engine_chain_submissions_total")
	require.NotNil(t, submissions)
	ok := metricWithLabels(submissions, map[string]string{"method": "release", "outcome": "success"})
	failed := metricWithLabels(submissions, map[string]string{"method": "release", "outcome": "error"})
	require.NotNil(t, ok)
	require.NotNil(t, failed)
	require.Equal(t, float64(1), ok.GetCounter().GetValue())
	require.Equal(t, float64(1), failed.GetCounter().GetValue())

	flags := gatherFamily(t, "parapay_engine_reconcile_flags_total")
	require.NotNil(t, flags)
	require.Equal(t, float64(1), flags.GetMetric()[0].GetCounter().GetValue())
}

func TestGaugesTrackLatestValue(t *testing.T) {
	Ingest().SetCursor(42)
	Ingest().SetCursor(128)
	cursor := gatherFamily(t, "parapay_ingest_cursor_block")
	require.NotNil(t, cursor)
	require.Equal(t, float64(128), cursor.GetMetric()[0].GetGauge().GetValue())

	Feed().SetSubscribers(3)
	subs := gatherFamily(t, "parapay_feed_subscribers")
	require.NotNil(t, subs)
	require.Equal(t, float64(3), subs.GetMetric()[0].GetGauge().GetValue())
}

func TestOracleQuoteAgeClampsNegative(t *testing.T) {
	Oracle().SetQuoteAge("dot/usd", 30*time.Second)
	Oracle().SetQuoteAge("ksm/usd", -5*time.Second)

	ages := gatherFamily(t, "parapay_oracle_quote_age_seconds")
	require.NotNil(t, ages)
	dot := metricWithLabels(ages, map[string]string{"pair": "dot/usd"})
	ksm := metricWithLabels(ages, map[string]string{"pair": "ksm/usd"})
	require.NotNil(t, dot)
	require.NotNil(t, ksm)
	require.Equal(t, float64(30), dot.GetGauge().GetValue())
	require.Equal(t, float64(0), ksm.GetGauge().GetValue())
}

func TestBlankLabelsNormalised(t *testing.T) {
	Recon().RecordAnomaly("  ")
	Recon().RecordAnomaly("missing_escrow")

	anomalies := gatherFamily(t, "parapay_recon_anomalies_total")
	require.NotNil(t, anomalies)
	unknown := metricWithLabels(anomalies, map[string]string{"kind": "unknown"})
	missing := metricWithLabels(anomalies, map[string]string{"kind": "missing_escrow"})
	require.NotNil(t, unknown)
	require.NotNil(t, missing)
	require.Equal(t, float64(1), unknown.GetCounter().GetValue())
	require.Equal(t, float64(1), missing.GetCounter().GetValue())
}

func TestDeliveryHistogramCounts(t *testing.T) {
	Webhook().RecordDelivery("success", 120*time.Millisecond)
	Webhook().RecordDelivery("", 80*time.Millisecond)

	deliveries := gatherFamily(t, "parapay_webhook_deliveries_total")
	require.NotNil(t, deliveries)
	require.NotNil(t, metricWithLabels(deliveries, map[string]string{"outcome": "success"}))
	require.NotNil(t, metricWithLabels(deliveries, map[string]string{"outcome": "unknown"}))

	latency := gatherFamily(t, "parapay_webhook_delivery_duration_seconds")
	require.NotNil(t, latency)
	require.Equal(t, uint64(2), latency.GetMetric()[0].GetHistogram().GetSampleCount())
}

// Every registry method must be safe on a nil receiver so components can run
// with metrics detached in tests.
func TestNilReceiversAreNoOps(t *testing.T) {
	var (
		e *EngineMetrics
		i *IngestMetrics
		w *WebhookMetrics
		o *OracleMetrics
		s *SchedulerMetrics
		p *PayoutMetrics
		g *GatewayMetrics
		r *ReconMetrics
		f *FeedMetrics
	)
	e.RecordTransition("a", "b")
	e.RecordChainSubmission("x", nil)
	e.RecordReconcileFlag()
	i.RecordEvent("x")
	i.RecordDuplicate()
	i.RecordDeferred()
	i.RecordDropped()
	i.RecordReorg()
	i.SetCursor(1)
	w.RecordDelivery("x", time.Second)
	w.RecordExhausted()
	w.SetBacklog(1)
	o.RecordRefresh("x", nil)
	o.SetQuoteAge("x", time.Second)
	s.ObserveRun("x", time.Second, nil)
	s.RecordSkip("x")
	p.RecordTransfer(nil)
	p.ObserveBatch(time.Second)
	g.Observe("x", "GET", 200, time.Second)
	g.RecordThrottle()
	r.RecordAnomaly("x")
	r.RecordExport("csv", nil)
	f.RecordDrop()
	f.SetSubscribers(1)
}

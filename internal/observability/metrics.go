// Package observability holds the prometheus collectors for sync runs.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	apiRequests     *prometheus.CounterVec
	apiRetries      prometheus.Counter
	breakerOpen     prometheus.Gauge
	windowFailures  *prometheus.CounterVec
	batchFailures   *prometheus.CounterVec
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	snapshotTotals  *prometheus.GaugeVec
	snapshotUpdated prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_api_requests_total",
			Help: "CRM API responses by HTTP status (or transport_error).",
		}, []string{"status"}),
		apiRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "crmsync_api_retries_total",
			Help: "Retries performed after HTTP 429.",
		}),
		breakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "crmsync_api_circuit_open",
			Help: "1 while the CRM circuit breaker is open.",
		}),
		windowFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_window_failures_total",
			Help: "Fetch windows skipped after failing.",
		}, []string{"entity"}),
		batchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_association_batch_failures_total",
			Help: "Association batches skipped after failing.",
		}, []string{"relation"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_runs_total",
			Help: "Sync runs by effective mode and result.",
		}, []string{"mode", "result"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crmsync_run_duration_seconds",
			Help:    "Wall time of sync runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"mode"}),
		snapshotTotals: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crmsync_snapshot_total_records",
			Help: "Record totals in the last written snapshot.",
		}, []string{"entity"}),
		snapshotUpdated: f.NewGauge(prometheus.GaugeOpts{
			Name: "crmsync_snapshot_timestamp_seconds",
			Help: "Unix time of the last written snapshot.",
		}),
	}
}

func (m *Metrics) Request(status string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.apiRetries.Inc()
}

func (m *Metrics) BreakerState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerOpen.Set(1)
		return
	}
	m.breakerOpen.Set(0)
}

func (m *Metrics) WindowFailure(entity string) {
	if m == nil {
		return
	}
	m.windowFailures.WithLabelValues(entity).Inc()
}

func (m *Metrics) BatchFailure(relation string) {
	if m == nil {
		return
	}
	m.batchFailures.WithLabelValues(relation).Inc()
}

func (m *Metrics) RunFinished(mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(mode, result).Inc()
	m.runDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) SnapshotWritten(ts time.Time, totals map[string]int) {
	if m == nil {
		return
	}
	for entity, n := range totals {
		m.snapshotTotals.WithLabelValues(entity).Set(float64(n))
	}
	m.snapshotUpdated.Set(float64(ts.Unix()))
}

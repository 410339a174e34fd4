package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	CacheDegraded *prometheus.CounterVec

	// Lease metrics
	LeaseOutcomes *prometheus.CounterVec

	// Reconciliation metrics
	SweepsTotal      prometheus.Counter
	SweepDuration    prometheus.Histogram
	KeysScanned      prometheus.Counter
	RepairsTotal     *prometheus.CounterVec
	RepairFailures   prometheus.Counter
	TombstonesPurged prometheus.Counter
}

// NewMetrics creates metrics and registers them with reg. Production code
// passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_requests_total",
				Help: "Total number of registry operations processed",
			},
			[]string{"operation", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registry_request_duration_seconds",
				Help:    "Duration of registry operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_cache_hits_total",
				Help: "Total number of reads served from the volatile store",
			},
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_cache_misses_total",
				Help: "Total number of reads that fell through to the durable store",
			},
		),

		CacheDegraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_cache_degraded_total",
				Help: "Total number of volatile store failures absorbed in degraded mode",
			},
			[]string{"operation"},
		),

		LeaseOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_lease_outcomes_total",
				Help: "Total number of lease acquisition attempts by outcome",
			},
			[]string{"outcome"},
		),

		SweepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_reconciler_sweeps_total",
				Help: "Total number of reconciliation sweeps completed",
			},
		),

		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "registry_reconciler_sweep_duration_seconds",
				Help:    "Duration of reconciliation sweeps",
				Buckets: prometheus.DefBuckets,
			},
		),

		KeysScanned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_reconciler_keys_scanned_total",
				Help: "Total number of keys examined by the reconciler",
			},
		),

		RepairsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_reconciler_repairs_total",
				Help: "Total number of reconciliation repairs by action",
			},
			[]string{"action"},
		),

		RepairFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_reconciler_repair_failures_total",
				Help: "Total number of per-key repairs that failed and were skipped",
			},
		),

		TombstonesPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_tombstones_purged_total",
				Help: "Total number of tombstones removed by retention purges",
			},
		),
	}
}

// RecordRequest records a completed registry operation
func (m *Metrics) RecordRequest(operation, status string, duration float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheHit records a read served from the volatile store
func (m *Metrics) RecordCacheHit() {
	m.CacheHits.Inc()
}

// RecordCacheMiss records a read that fell through to the durable store
func (m *Metrics) RecordCacheMiss() {
	m.CacheMisses.Inc()
}

// RecordCacheDegraded records an absorbed volatile store failure
func (m *Metrics) RecordCacheDegraded(operation string) {
	m.CacheDegraded.WithLabelValues(operation).Inc()
}

// RecordLeaseOutcome records a lease acquisition outcome
func (m *Metrics) RecordLeaseOutcome(outcome string) {
	m.LeaseOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSweep records a completed reconciliation sweep
func (m *Metrics) RecordSweep(duration float64) {
	m.SweepsTotal.Inc()
	m.SweepDuration.Observe(duration)
}

// RecordKeysScanned adds to the reconciler's scanned key count
func (m *Metrics) RecordKeysScanned(n int) {
	m.KeysScanned.Add(float64(n))
}

// RecordRepair records a reconciliation repair
func (m *Metrics) RecordRepair(action string) {
	m.RepairsTotal.WithLabelValues(action).Inc()
}

// RecordRepairFailure records a skipped per-key repair
func (m *Metrics) RecordRepairFailure() {
	m.RepairFailures.Inc()
}

// RecordTombstonesPurged adds to the purged tombstone count
func (m *Metrics) RecordTombstonesPurged(n int64) {
	m.TombstonesPurged.Add(float64(n))
}

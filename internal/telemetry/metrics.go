// Package telemetry exposes prometheus instrumentation for the scheduler,
// the worker pool and the event fan-out.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors shared across components. A nil *Metrics
// is valid and turns every method into a no-op, so tests and minimal
// deployments can skip registration.
type Metrics struct {
	pendingJobs    prometheus.Gauge
	activeJobs     prometheus.Gauge
	hubSubscribers prometheus.Gauge

	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCanceled  prometheus.Counter
	jobsRetried   prometheus.Counter
	jobsReclaimed prometheus.Counter
	bridgeDropped prometheus.Counter
}

// New registers all collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		pendingJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fetchd_jobs_pending",
			Help: "Number of jobs waiting for admission.",
		}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fetchd_jobs_active",
			Help: "Number of jobs currently downloading.",
		}),
		hubSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fetchd_hub_subscribers",
			Help: "Live subscribers across all hub topics.",
		}),
		jobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchd_jobs_completed_total",
			Help: "Jobs that finished successfully.",
		}),
		jobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchd_jobs_failed_total",
			Help: "Jobs that reached FAILED.",
		}),
		jobsCanceled: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchd_jobs_canceled_total",
			Help: "Jobs canceled on request.",
		}),
		jobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchd_jobs_retried_total",
			Help: "Transient failures that were requeued.",
		}),
		jobsReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchd_jobs_reclaimed_total",
			Help: "Jobs reclaimed from workers with expired leases.",
		}),
		bridgeDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchd_bridge_dropped_total",
			Help: "Notification events dropped by the bridge.",
		}),
	}
}

func (m *Metrics) SetQueueDepth(pending, active int) {
	if m == nil {
		return
	}
	m.pendingJobs.Set(float64(pending))
	m.activeJobs.Set(float64(active))
}

func (m *Metrics) SetHubSubscribers(n int) {
	if m == nil {
		return
	}
	m.hubSubscribers.Set(float64(n))
}

func (m *Metrics) IncCompleted() {
	if m == nil {
		return
	}
	m.jobsCompleted.Inc()
}

func (m *Metrics) IncFailed() {
	if m == nil {
		return
	}
	m.jobsFailed.Inc()
}

func (m *Metrics) IncCanceled() {
	if m == nil {
		return
	}
	m.jobsCanceled.Inc()
}

func (m *Metrics) IncRetried() {
	if m == nil {
		return
	}
	m.jobsRetried.Inc()
}

func (m *Metrics) AddReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsReclaimed.Add(float64(n))
}

func (m *Metrics) IncBridgeDropped() {
	if m == nil {
		return
	}
	m.bridgeDropped.Inc()
}

// Package metrics holds the Prometheus collectors shared by the executor,
// the actor pool and the artifact stores.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iris"

// Metrics is nil-safe: every recording method is a no-op on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	taskRuns      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	liveWorkers   *prometheus.GaugeVec
	artifactsPut  *prometheus.CounterVec
	acquireWaited *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Task executions by task and terminal status.",
		}, []string{"task", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of task executions including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_cache_lookups_total",
			Help:      "Call-level cache lookups by pool and result.",
		}, []string{"pool", "result"}),
		liveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_live_workers",
			Help:      "Workers currently alive per pool.",
		}, []string{"pool"}),
		artifactsPut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_committed_total",
			Help:      "Artifact versions committed by kind.",
		}, []string{"kind"}),
		acquireWaited: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent waiting for a free worker.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pool"}),
	}
	m.registry.MustRegister(
		m.taskRuns,
		m.taskDuration,
		m.cacheLookups,
		m.liveWorkers,
		m.artifactsPut,
		m.acquireWaited,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskFinished(task, status string, seconds float64) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, status).Inc()
	m.taskDuration.WithLabelValues(task).Observe(seconds)
}

func (m *Metrics) CacheLookup(pool string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(pool, result).Inc()
}

func (m *Metrics) WorkersAlive(pool string, n int) {
	if m == nil {
		return
	}
	m.liveWorkers.WithLabelValues(pool).Set(float64(n))
}

func (m *Metrics) AcquireWaited(pool string, seconds float64) {
	if m == nil {
		return
	}
	m.acquireWaited.WithLabelValues(pool).Observe(seconds)
}

func (m *Metrics) ArtifactCommitted(kind string) {
	if m == nil {
		return
	}
	m.artifactsPut.WithLabelValues(kind).Inc()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. All collectors live on
// one registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted  prometheus.Counter
	JobsDeduped    prometheus.Counter
	JobsCompleted  *prometheus.CounterVec
	JobsRecovered  *prometheus.CounterVec
	JobDuration    prometheus.Histogram
	JobsInFlight   prometheus.Gauge
	QueuePending   prometheus.Gauge
	ProgressEvents prometheus.Counter
	EngineRetries  prometheus.Counter
}

// New creates a metrics instance with its own registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderq_jobs_submitted_total",
			Help: "Jobs accepted by the submission endpoint.",
		}),
		JobsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderq_jobs_deduplicated_total",
			Help: "Submissions answered from an existing idempotency binding.",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "renderq_jobs_completed_total",
			Help: "Jobs finalized by the worker runtime, by terminal status.",
		}, []string{"status"}),
		JobsRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "renderq_jobs_recovered_total",
			Help: "Orphaned jobs handled by the startup recovery sweep, by action.",
		}, []string{"action"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "renderq_job_duration_seconds",
			Help:    "Wall-clock duration of completed generations.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "renderq_jobs_in_flight",
			Help: "Jobs currently held by a worker slot.",
		}),
		QueuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "renderq_queue_pending",
			Help: "Messages waiting on the durable queue.",
		}),
		ProgressEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderq_progress_events_total",
			Help: "Progress events published to subscribers.",
		}),
		EngineRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderq_engine_submit_retries_total",
			Help: "Engine submissions retried after transient failures.",
		}),
	}
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

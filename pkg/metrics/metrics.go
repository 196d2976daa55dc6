// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts accepted job submissions.
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synthd_jobs_submitted_total",
		Help: "Number of jobs accepted for processing",
	})

	// JobsRejected counts submissions rejected at admission.
	JobsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synthd_jobs_rejected_total",
		Help: "Number of job submissions rejected by the per-tenant limit",
	})

	// JobsFinished counts terminal jobs by outcome.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synthd_jobs_finished_total",
		Help: "Number of jobs reaching a terminal state",
	}, []string{"outcome"})

	// JobDuration observes wall-clock execution time of finished jobs.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "synthd_job_duration_seconds",
		Help:    "Execution time from claim to terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// QueueDepth tracks the number of jobs waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synthd_queue_depth",
		Help: "Number of jobs waiting in the dispatch queue",
	})

	// EngineRequests counts calls to the compute engine by endpoint and
	// status.
	EngineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synthd_engine_requests_total",
		Help: "Requests made to the compute engine",
	}, []string{"endpoint", "status"})

	// SSEConnections tracks currently open event-stream subscribers.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synthd_sse_connections",
		Help: "Open server-sent-event subscriber connections",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

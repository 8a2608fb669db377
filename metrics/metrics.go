// Package metrics registers the Prometheus instruments shared by the HTTP
// facade and the workflow engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrument set for one process.
type Metrics struct {
	registry *prometheus.Registry

	// JobsEnqueued counts jobs accepted onto a queue.
	JobsEnqueued *prometheus.CounterVec

	// JobsCompleted counts terminal outcomes per queue.
	JobsCompleted *prometheus.CounterVec

	// JobsRetried counts scheduled redeliveries per queue and error kind.
	JobsRetried *prometheus.CounterVec

	// JobDuration observes successful job wall time per queue.
	JobDuration *prometheus.HistogramVec

	// StageDuration observes per-stage wall time inside the plan pipeline.
	StageDuration *prometheus.HistogramVec

	// SynthesisItems counts audio items by outcome.
	SynthesisItems *prometheus.CounterVec

	// HTTPRequests counts facade requests by route and status code.
	HTTPRequests *prometheus.CounterVec
}

// New creates an isolated registry with all instruments registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "navpack_jobs_enqueued_total",
			Help: "Jobs accepted onto a queue.",
		}, []string{"queue"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "navpack_jobs_completed_total",
			Help: "Jobs reaching a terminal state.",
		}, []string{"queue", "state"}),
		JobsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "navpack_jobs_retried_total",
			Help: "Redeliveries scheduled after transient failures.",
		}, []string{"queue", "kind"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "navpack_job_duration_seconds",
			Help:    "Wall time of successful jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"queue"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "navpack_stage_duration_seconds",
			Help:    "Wall time per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		SynthesisItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "navpack_synthesis_items_total",
			Help: "Audio items by outcome.",
		}, []string{"outcome"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "navpack_http_requests_total",
			Help: "Facade requests by route and status.",
		}, []string{"route", "status"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

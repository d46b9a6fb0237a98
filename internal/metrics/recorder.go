package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the Prometheus recorder of the router
type Recorder struct {
	registry *prometheus.Registry

	jobsTotal          *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	actionsTotal       *prometheus.CounterVec
	reloadsTotal       prometheus.Counter
	aggregationWrites  *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_jobs_total",
			Help: "Total number of processed jobs by terminal state.",
		}, []string{"state"}),
		jobDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_job_duration_seconds",
			Help:    "Duration of job processing.",
			Buckets: prometheus.DefBuckets,
		}, []string{"state"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_actions_total",
			Help: "Total number of performed actions by result.",
		}, []string{"action", "result"}),
		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_schema_reloads_total",
			Help: "Total number of routing schema reloads.",
		}),
		aggregationWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_aggregation_writes_total",
			Help: "Total number of correlation writes by strategy and result.",
		}, []string{"strategy", "result"}),
	}

	registry.MustRegister(r.jobsTotal)
	registry.MustRegister(r.jobDurationSeconds)
	registry.MustRegister(r.actionsTotal)
	registry.MustRegister(r.reloadsTotal)
	registry.MustRegister(r.aggregationWrites)
	return r
}

// Registry returns the Prometheus registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordJob counts a job that reached state after d
func (r *Recorder) RecordJob(state string, d time.Duration) {
	r.jobsTotal.WithLabelValues(state).Inc()
	r.jobDurationSeconds.WithLabelValues(state).Observe(d.Seconds())
}

// RecordAction counts one performed action
func (r *Recorder) RecordAction(action, result string) {
	r.actionsTotal.WithLabelValues(action, result).Inc()
}

// RecordReload counts a schema swap
func (r *Recorder) RecordReload() {
	r.reloadsTotal.Inc()
}

// RecordAggregationWrite counts one correlation write
func (r *Recorder) RecordAggregationWrite(strategy, result string) {
	r.aggregationWrites.WithLabelValues(strategy, result).Inc()
}

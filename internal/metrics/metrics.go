// Package metrics exposes Prometheus collectors for generation jobs and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its own registry so tests and multiple servers never collide.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	pollAttempts   *prometheus.CounterVec
	modelFallbacks prometheus.Counter
}

// NewCollector registers all collectors under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 180},
			},
			[]string{"method", "path"},
		),
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_jobs_total",
				Help:      "Generation jobs by terminal outcome",
			},
			[]string{"model", "outcome"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_job_duration_seconds",
				Help:      "Time from submission to terminal outcome",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 90, 120},
			},
			[]string{"model"},
		),
		pollAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Status poll attempts by what they observed",
			},
			[]string{"model", "observation"},
		),
		modelFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_fallbacks_total",
				Help:      "Requests for unknown models routed to the default model",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObservePoll counts one poll attempt.
func (c *Collector) ObservePoll(model, observation string) {
	c.pollAttempts.WithLabelValues(model, observation).Inc()
}

// RecordJob counts a finished pipeline run.
func (c *Collector) RecordJob(model, outcome string, elapsed time.Duration) {
	c.jobsTotal.WithLabelValues(model, outcome).Inc()
	c.jobDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

// RecordFallback counts a request routed to the default model.
func (c *Collector) RecordFallback() {
	c.modelFallbacks.Inc()
}

// RecordHTTPRequest counts an inbound request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, elapsed time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

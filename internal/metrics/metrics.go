// Package metrics provides Prometheus metrics for the analyst service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	TurnsTotal          *prometheus.CounterVec
	CompletionDuration  prometheus.Histogram
	BackgroundJobsTotal *prometheus.CounterVec
	UploadsTotal        *prometheus.CounterVec
	ExtractionsTotal    *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_turns_total",
				Help: "Chat turns by outcome.",
			},
			[]string{"outcome"},
		),
		CompletionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "analyst_completion_duration_seconds",
				Help:    "Latency of foreground completion calls.",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
		),
		BackgroundJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_background_jobs_total",
				Help: "Background jobs by job name and result.",
			},
			[]string{"job", "result"},
		),
		UploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_uploads_total",
				Help: "Attachment uploads by result.",
			},
			[]string{"result"},
		),
		ExtractionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_extractions_total",
				Help: "Structured-data extractions by result.",
			},
			[]string{"result"},
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "analyst_active_subscriptions",
				Help: "Open realtime subscriptions.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_http_requests_total",
				Help: "API requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analyst_http_request_duration_seconds",
				Help:    "API request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.TurnsTotal,
		m.CompletionDuration,
		m.BackgroundJobsTotal,
		m.UploadsTotal,
		m.ExtractionsTotal,
		m.ActiveSubscriptions,
		m.RequestsTotal,
		m.RequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTurn increments the turn counter.
func (m *Metrics) RecordTurn(outcome string) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCompletion records completion latency.
func (m *Metrics) ObserveCompletion(seconds float64) {
	m.CompletionDuration.Observe(seconds)
}

// RecordJob increments the background job counter.
func (m *Metrics) RecordJob(job, result string) {
	m.BackgroundJobsTotal.WithLabelValues(job, result).Inc()
}

// RecordUpload increments the upload counter.
func (m *Metrics) RecordUpload(result string) {
	m.UploadsTotal.WithLabelValues(result).Inc()
}

// RecordExtraction increments the extraction counter.
func (m *Metrics) RecordExtraction(result string) {
	m.ExtractionsTotal.WithLabelValues(result).Inc()
}

// RecordRequest records one API request.
func (m *Metrics) RecordRequest(route, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

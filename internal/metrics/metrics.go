// Package metrics exposes service counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes.
const (
	OutcomeSuccess          = "success"
	OutcomeExtractionFailed = "extraction_failed"
	OutcomeConversionFailed = "conversion_failed"
)

// Metrics records what happens to jobs and their artifacts.
type Metrics interface {
	IncJobs(outcome string)
	ObserveExtraction(seconds float64)
	IncStreams()
	IncReclaimed(reason string, err error)
	ObserveRequest(method, route, status string, seconds float64)
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncJobs(string)                                 {}
func (Noop) ObserveExtraction(float64)                      {}
func (Noop) IncStreams()                                    {}
func (Noop) IncReclaimed(string, error)                     {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics with Prometheus collectors.
type Prom struct {
	jobs       *prometheus.CounterVec
	extraction prometheus.Histogram
	streams    prometheus.Counter
	reclaimed  *prometheus.CounterVec
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewProm builds the collectors and registers them with reg.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	p := &Prom{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Conversion jobs by outcome",
		}, []string{"outcome"}),
		extraction: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Time spent in yt-dlp and ffmpeg per job",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}),
		streams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Artifact streams started",
		}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_reclaimed_total",
			Help:      "Artifact deletions by reason and result",
		}, []string{"reason", "result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(p.jobs, p.extraction, p.streams, p.reclaimed, p.requests, p.latency)
	return p
}

func (p *Prom) IncJobs(outcome string) { p.jobs.WithLabelValues(outcome).Inc() }

func (p *Prom) ObserveExtraction(seconds float64) { p.extraction.Observe(seconds) }

func (p *Prom) IncStreams() { p.streams.Inc() }

func (p *Prom) IncReclaimed(reason string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.reclaimed.WithLabelValues(reason, result).Inc()
}

func (p *Prom) ObserveRequest(method, route, status string, seconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(seconds)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

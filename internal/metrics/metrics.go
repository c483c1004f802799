// Package metrics exposes Prometheus metrics for analysis runs
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "urlanalyzer"

// Run outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Degraded sub-task kinds
const (
	DegradedDNS        = "dns"
	DegradedScreenshot = "screenshot"
	DegradedWhois      = "whois"
	DegradedAudit      = "audit"
)

// Metrics holds the analyzer's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	RunsInFlight     prometheus.Gauge
	CapturedRequests prometheus.Counter
	DegradedTotal    *prometheus.CounterVec
}

// New registers the analyzer collectors, plus the Go and process collectors,
// on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total analysis runs by outcome",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of an analysis run from page open to completion record",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180},
		}),
		RunsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Analysis runs currently executing",
		}),
		CapturedRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_requests_total",
			Help:      "Total request/response pairs persisted",
		}),
		DegradedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_total",
			Help:      "Total non-fatal sub-task failures by kind",
		}, []string{"kind"}),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RunStarted marks a run as executing
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsInFlight.Inc()
}

// RunFinished records the outcome and duration of a run
func (m *Metrics) RunFinished(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	m.RunsInFlight.Dec()
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// RequestCaptured counts one persisted request/response pair
func (m *Metrics) RequestCaptured() {
	if m == nil {
		return
	}
	m.CapturedRequests.Inc()
}

// Degraded counts one non-fatal sub-task failure
func (m *Metrics) Degraded(kind string) {
	if m == nil {
		return
	}
	m.DegradedTotal.WithLabelValues(kind).Inc()
}

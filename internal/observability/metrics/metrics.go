// Package metrics exposes Prometheus collectors for the upstream adapter, the
// task pipeline and the HTTP API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the adapter collectors.
const (
	OutcomeSuccess        = "success"
	OutcomeTransportError = "transport_error"
	OutcomeProtocolError  = "protocol_error"
	OutcomeTimeout        = "timeout"
	OutcomeCanceled       = "canceled"
)

// Metrics groups every collector the service emits. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	submissions      *prometheus.CounterVec
	pollAttempts     prometheus.Counter
	generateDuration *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	tasks            *prometheus.CounterVec
}

// New registers the collectors under namespace. When reg is nil a private
// registry is created so tests never collide on the global one.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Completion submissions sent upstream, by outcome.",
		}, []string{"outcome"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Status polls issued against upstream poll URLs.",
		}),
		generateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generate_duration_seconds",
			Help:      "End-to-end latency of a submit/poll completion call.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by handler, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"handler", "method"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Completion tasks reaching a recorded state.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.submissions, m.pollAttempts, m.generateDuration, m.httpRequests, m.httpLatency, m.tasks)
	return m
}

// ObserveSubmission counts one upstream POST.
func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// IncPollAttempt counts one upstream GET against a poll URL.
func (m *Metrics) IncPollAttempt() {
	if m == nil {
		return
	}
	m.pollAttempts.Inc()
}

// ObserveGenerate records the latency of a whole completion call.
func (m *Metrics) ObserveGenerate(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.generateDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncTask counts a task state transition.
func (m *Metrics) IncTask(status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

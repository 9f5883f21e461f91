// Package metrics exposes engine and HTTP counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the jobline metric families. A nil *Collector is valid and
// records nothing.
type Collector struct {
	timerTransitions *prometheus.CounterVec
	jobTransitions   *prometheus.CounterVec
	engineErrors     *prometheus.CounterVec
	opLatency        *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	webhookFailures  prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector registers the metric families on reg. Pass
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		timerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobline_timer_transitions_total",
			Help: "Assignment timer transitions applied, by action.",
		}, []string{"action"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobline_job_transitions_total",
			Help: "Job status transitions, by target status.",
		}, []string{"status"}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobline_engine_errors_total",
			Help: "Engine operations that returned an error, by operation and kind.",
		}, []string{"op", "kind"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobline_engine_op_seconds",
			Help:    "Engine operation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobline_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobline_webhook_failures_total",
			Help: "Webhook deliveries that failed.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(c.timerTransitions, c.jobTransitions, c.engineErrors, c.opLatency, c.httpRequests, c.webhookFailures)
	return c
}

func (c *Collector) RecordTimer(action string) {
	if c == nil {
		return
	}
	c.timerTransitions.WithLabelValues(action).Inc()
}

func (c *Collector) RecordJobTransition(status string) {
	if c == nil {
		return
	}
	c.jobTransitions.WithLabelValues(status).Inc()
}

// ObserveOp records latency and, when kind is non-empty, an error.
func (c *Collector) ObserveOp(op string, started time.Time, kind string) {
	if c == nil {
		return
	}
	c.opLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if kind != "" {
		c.engineErrors.WithLabelValues(op, kind).Inc()
	}
}

func (c *Collector) RecordHTTP(method, code string) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, code).Inc()
}

func (c *Collector) RecordWebhookFailure() {
	if c == nil {
		return
	}
	c.webhookFailures.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

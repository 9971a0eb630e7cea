// Package metrics exposes gateway counters on a private Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/eventgw/internal/event"
	"github.com/mattjoyce/eventgw/internal/router"
)

const namespace = "eventgw"

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	replies      *prometheus.CounterVec
	replyLatency prometheus.Histogram
	replyRetries prometheus.Histogram
}

// New registers the collectors, plus Go runtime and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound webhook requests by outcome and reason.",
		}, []string{"outcome", "reason"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Outbound replies by result.",
		}, []string{"result"}),
		replyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_duration_seconds",
			Help:      "Time spent posting a reply, retries included.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
		replyRetries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_attempts",
			Help:      "Attempts made per reply.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.replies,
		m.replyLatency,
		m.replyRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest counts one inbound request. Outcomes decided before routing
// (rejected, invalid, too_large) are passed directly.
func (m *Metrics) ObserveRequest(outcome, reason string) {
	m.requests.WithLabelValues(outcome, reason).Inc()
}

// ObserveOutcome is a router.OutcomeFunc.
func (m *Metrics) ObserveOutcome(_ context.Context, _ event.Event, o router.Outcome) {
	m.ObserveRequest(string(o.Kind), o.Reason)
}

// ObserveReply is a reply.Observer.
func (m *Metrics) ObserveReply(result string, attempts int, elapsed time.Duration) {
	m.replies.WithLabelValues(result).Inc()
	m.replyLatency.Observe(elapsed.Seconds())
	m.replyRetries.Observe(float64(attempts))
}

// Package metrics exposes the gateway's Prometheus collectors (§4.8):
// session/poller gauges, poll and drop counters, exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Registry is a private registry so gateway metrics never collide with
// whatever else shares the process.
var Registry = prometheus.NewRegistry()

var (
	sessionsActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of currently registered WebSocket sessions.",
	})

	pollersActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pollers_active",
		Help:      "Number of backends with an active poller.",
	})

	pollBatchesTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_batches_total",
		Help:      "Total ws_get_messages batches fetched, per backend.",
	}, []string{"backend"})

	pollErrorsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Total failed or malformed poll responses, per backend.",
	}, []string{"backend"})

	inboxDropsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbox_drops_total",
		Help:      "Total outbound messages dropped to inbox overflow, per backend.",
	}, []string{"backend"})

	ingressForwardErrorsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingress_forward_errors_total",
		Help:      "Total ws_message forwarding failures, per backend.",
	}, []string{"backend"})
)

// Collector is the concrete type wired into session/poller and the gauge
// reporter in cmd/gateway. It exists so those packages depend on an
// interface (see their Metrics types), not on this package's globals
// directly.
type Collector struct{}

// New returns a Collector backed by the package-level registry.
func New() *Collector { return &Collector{} }

// SetSessionsActive records Registry.SessionCount; cmd/gateway calls it
// periodically.
func (c *Collector) SetSessionsActive(n int) { sessionsActive.Set(float64(n)) }

// SetPollersActive records Registry.PollerCount; cmd/gateway calls it
// periodically.
func (c *Collector) SetPollersActive(n int) { pollersActive.Set(float64(n)) }

// IncPollBatch implements poller.Metrics.
func (c *Collector) IncPollBatch(backendID string) { pollBatchesTotal.WithLabelValues(backendID).Inc() }

// IncPollError implements poller.Metrics.
func (c *Collector) IncPollError(backendID string) { pollErrorsTotal.WithLabelValues(backendID).Inc() }

// IncInboxDrop implements session.Metrics.
func (c *Collector) IncInboxDrop(backendID string) { inboxDropsTotal.WithLabelValues(backendID).Inc() }

// IncIngressForwardError implements session.Metrics: it records a
// ws_message forwarding failure.
func (c *Collector) IncIngressForwardError(backendID string) {
	ingressForwardErrorsTotal.WithLabelValues(backendID).Inc()
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

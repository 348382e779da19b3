// Package metrics exposes the dispatcher's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp"

// Metrics holds the collectors on a private registry so tests and multiple
// dispatchers do not collide on the global one.
type Metrics struct {
	Router chi.Router

	registry       *prometheus.Registry
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	messagesTotal  *prometheus.CounterVec
	authFailures   prometheus.Counter
}

// New builds the collectors. withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Router:   chi.NewRouter(),
		registry: registry,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of established SSE sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions established since start",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Protocol messages received, by method",
		}, []string{"method"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected by the authentication guard",
		}),
	}
	registry.MustRegister(m.sessionsActive, m.sessionsTotal, m.messagesTotal, m.authFailures)
	if withRuntime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m.Router.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves /metrics.
func (m *Metrics) Handler() http.Handler { return m.Router }

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// Message counts one inbound method. Unknown methods share a label so a
// misbehaving client cannot blow up cardinality.
func (m *Metrics) Message(method string) {
	if m == nil {
		return
	}
	if !knownMethods[method] {
		method = "other"
	}
	m.messagesTotal.WithLabelValues(method).Inc()
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

var knownMethods = map[string]bool{
	"initialize":                true,
	"notifications/initialized": true,
	"notifications/cancelled":   true,
	"ping":                      true,
	"tools/list":                true,
	"tools/call":                true,
	"resources/list":            true,
	"resources/templates/list":  true,
	"resources/read":            true,
	"logging/setLevel":          true,
}

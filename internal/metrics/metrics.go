// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxymux"

// Metrics groups the collectors updated by the tunnel package.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	Sessions       *prometheus.CounterVec // by outcome
	Classified     *prometheus.CounterVec // by route
	DialAttempts   *prometheus.CounterVec // by route and result
	RelayedBytes   *prometheus.CounterVec // by direction

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg gets a fresh
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently being handled.",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome.",
		}, []string{"outcome"}),
		Classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classified_total",
			Help:      "Classification decisions by route.",
		}, []string{"route"}),
		DialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Backend connect attempts by route and result.",
		}, []string{"route", "result"}),
		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes copied by the relay, by direction.",
		}, []string{"direction"}),
		gatherer: reg,
	}
	reg.MustRegister(m.ActiveSessions, m.Sessions, m.Classified, m.DialAttempts, m.RelayedBytes)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

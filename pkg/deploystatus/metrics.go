package deploystatus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects synchronizer counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	pulls        *prometheus.CounterVec
	pushMessages *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	active       prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates collectors registered on a dedicated registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "platformhub"
	}
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploystatus",
			Name:      "pulls_total",
			Help:      "Status and log pulls by kind and result",
		}, []string{"kind", "result"}),
		pushMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploystatus",
			Name:      "push_messages_total",
			Help:      "Push channel messages by type",
		}, []string{"type"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploystatus",
			Name:      "fallbacks_total",
			Help:      "Polling activations by reason",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deploystatus",
			Name:      "active_observations",
			Help:      "Observations currently running",
		}),
	}
	registry.MustRegister(m.pulls, m.pushMessages, m.fallbacks, m.active)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordPull(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pulls.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) recordPush(kind string) {
	if m == nil {
		return
	}
	m.pushMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordFallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) observationStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) observationStopped() {
	if m == nil {
		return
	}
	m.active.Dec()
}

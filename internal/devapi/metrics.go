package devapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

type metrics struct {
	registry       *prometheus.Registry
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	pushClients    prometheus.Gauge
	pushMessages   *prometheus.CounterVec
	statusEvents   *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platformhub",
			Subsystem: "devapi",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "platformhub",
			Subsystem: "devapi",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platformhub",
			Subsystem: "devapi",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"policy", "key"}),
		pushClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "platformhub",
			Subsystem: "devapi",
			Name:      "push_clients",
			Help:      "Open deployment push channels",
		}),
		pushMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platformhub",
			Subsystem: "devapi",
			Name:      "push_messages_total",
			Help:      "Messages broadcast on deployment push channels",
		}, []string{"type"}),
		statusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platformhub",
			Subsystem: "devapi",
			Name:      "status_events_total",
			Help:      "Deployment status events by status and source",
		}, []string{"status", "source"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestTotal, m.requestLatency, m.rateLimitHits,
		m.pushClients, m.pushMessages, m.statusEvents,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) request(method, route string, status int, duration time.Duration) {
	m.requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *metrics) rateLimited(policy, key string) {
	m.rateLimitHits.WithLabelValues(policy, key).Inc()
}

func (m *metrics) statusEvent(status, source string) {
	m.statusEvents.WithLabelValues(status, source).Inc()
}

func (m *metrics) pushed(kind string) {
	m.pushMessages.WithLabelValues(kind).Inc()
}

// Package metrics holds the Prometheus collectors exported on /metrics.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "insightbot"

type Metrics struct {
	registry *prometheus.Registry

	persistDegraded *prometheus.CounterVec
	historyRecords  prometheus.Gauge
	asks            *prometheus.CounterVec
	agentLatency    prometheus.Histogram
	urlChecks       *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		persistDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "persist_degraded_total",
			Help:      "History operations that fell back to the volatile copy.",
		}, []string{"op"}),
		historyRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "records",
			Help:      "Records currently held in the search history.",
		}),
		asks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asks_total",
			Help:      "Agent questions by outcome.",
		}, []string{"outcome"}),
		agentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "request_duration_seconds",
			Help:      "Latency of agent invocations.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
		urlChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "url_checks_total",
			Help:      "URL liveness probes by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.persistDegraded,
		m.historyRecords,
		m.asks,
		m.agentLatency,
		m.urlChecks,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PersistDegraded(op string) {
	if m == nil {
		return
	}
	m.persistDegraded.WithLabelValues(op).Inc()
}

func (m *Metrics) HistorySize(n int) {
	if m == nil {
		return
	}
	m.historyRecords.Set(float64(n))
}

// Ask records one /ask outcome: "ok", "degraded" or "error".
func (m *Metrics) Ask(outcome string) {
	if m == nil {
		return
	}
	m.asks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAgent(d time.Duration) {
	if m == nil {
		return
	}
	m.agentLatency.Observe(d.Seconds())
}

func (m *Metrics) URLCheck(reachable bool) {
	if m == nil {
		return
	}
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	m.urlChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

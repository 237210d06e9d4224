package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIMetrics instruments the read-only aggregation API.
type APIMetrics struct {
	reg *prometheus.Registry

	Requests *prometheus.CounterVec   // route, code labels
	Latency  *prometheus.HistogramVec // route label
	Rows     prometheus.Gauge         // cleaned rows held by the cache
}

func NewAPIMetrics() *APIMetrics {
	reg := prometheus.NewRegistry()

	m := &APIMetrics{
		reg: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delayapi_requests_total",
			Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delayapi_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		Rows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "delayapi_cached_rows",
			Help: "Cleaned observations loaded into the aggregation cache.",
		}),
	}

	reg.MustRegister(m.Requests, m.Latency, m.Rows)
	return m
}

func (m *APIMetrics) Handler() http.Handler { return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}) }

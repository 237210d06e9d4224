package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transitdelay-data/internal/common/logger"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles              *prometheus.CounterVec // result label: success|failure
	Observations        prometheus.Counter
	Dropped             *prometheus.CounterVec // reason label: no_vehicle|no_actual_time|no_schedule|out_of_window
	ConsecutiveFailures prometheus.Gauge
	BackoffSeconds      prometheus.Gauge
	LastSuccess         prometheus.Gauge // unix seconds
	OutputBytes         prometheus.Gauge

	FetchDuration *prometheus.HistogramVec // feed label
	FetchErrors   *prometheus.CounterVec   // feed label
	CycleDuration prometheus.Histogram

	CollectionInterval prometheus.Gauge // seconds
}

func NewCollector(interval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_cycles_total",
			Help: "Collection cycles by outcome.",
		}, []string{"result"}),
		Observations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_observations_total",
			Help: "Delay observations appended to the log.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_dropped_total",
			Help: "Trip or stop-time updates that produced no observation.",
		}, []string{"reason"}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_consecutive_failures",
			Help: "Failed cycles since the last success.",
		}),
		BackoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_backoff_seconds",
			Help: "Current backoff sleep in seconds, 0 when not backing off.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle.",
		}),
		OutputBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_output_bytes",
			Help: "Size of the delay log in bytes.",
		}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_fetch_duration_seconds",
			Help:    "Duration of a single feed fetch and decode.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"feed"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_fetch_errors_total",
			Help: "Feed fetches that failed.",
		}, []string{"feed"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collector_cycle_duration_seconds",
			Help:    "Duration of fetch, compute and store for one cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		CollectionInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_interval_seconds",
			Help: "Configured collection interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Cycles, c.Observations, c.Dropped,
		c.ConsecutiveFailures, c.BackoffSeconds, c.LastSuccess, c.OutputBytes,
		c.FetchDuration, c.FetchErrors, c.CycleDuration,
		c.CollectionInterval,
	)

	c.CollectionInterval.Set(interval.Seconds())

	return c
}

// FetchObserve records one feed fetch.
func (c *Collector) FetchObserve(feed string, d time.Duration, err error) {
	c.FetchDuration.WithLabelValues(feed).Observe(d.Seconds())
	if err != nil {
		c.FetchErrors.WithLabelValues(feed).Inc()
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log logger.Logger) *http.Server {
	return Serve(addr, c.Handler(), log)
}

// Serve exposes handler at /metrics on addr in a background goroutine.
func Serve(addr string, handler http.Handler, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()
	log.Info("Metrics listening", "addr", addr)
	return srv
}

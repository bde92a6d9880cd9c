// Package metrics provides Prometheus instrumentation for the flagpole
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only flagpole metrics appear on the /metrics
// endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the flagpole server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CacheSize           prometheus.Gauge
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	RolloutBuckets      prometheus.Histogram
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       *prometheus.GaugeVec
	RefreshesTotal      *prometheus.CounterVec
}

// New creates and registers all flagpole metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagpole_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagpole_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagpole_cache_size",
			Help: "Number of flags in the in-memory cache.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagpole_cache_loads_total",
			Help: "Total number of full cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagpole_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagpole_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result"}),

		RolloutBuckets: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flagpole_rollout_bucket",
			Help:    "Distribution of percentage rollout buckets assigned to evaluated users.",
			Buckets: prometheus.LinearBuckets(0, 10, 10),
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagpole_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagpole_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),

		RefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagpole_store_refreshes_total",
			Help: "Total number of flag store refresh attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.RolloutBuckets,
		m.AuthFailuresTotal,
		m.ActiveStreams,
		m.RefreshesTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// ObserveRolloutBucket records the bucket assigned to a user during a
// percentage rollout check.
func (m *Metrics) ObserveRolloutBucket(bucket int) {
	m.RolloutBuckets.Observe(float64(bucket))
}

// RecordRefresh increments the store refresh counter with the attempt
// outcome.
func (m *Metrics) RecordRefresh(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.RefreshesTotal.WithLabelValues(outcome).Inc()
}

// SetCacheSize updates the cache size gauge.
func (m *Metrics) SetCacheSize(size float64) {
	m.CacheSize.Set(size)
}

// ResetCacheSize zeroes the cache size gauge, typically ahead of a full
// reload.
func (m *Metrics) ResetCacheSize() {
	m.CacheSize.Set(0)
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

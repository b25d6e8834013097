// Package metrics exposes Prometheus instrumentation for the HTTP surface,
// authentication outcomes and the database pool.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redcell/optrack/internal/database"
)

const namespace = "optrack"

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AuthEventsTotal     *prometheus.CounterVec
	AuthRejectionsTotal *prometheus.CounterVec

	DBConnections       *prometheus.GaugeVec
	DBMaxConnections    prometheus.Gauge
	DBAcquireTotal      prometheus.Gauge
	DBEmptyAcquireTotal prometheus.Gauge
	DBAcquireSeconds    prometheus.Gauge
}

// New creates the collectors and registers them on registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_events_total",
				Help:      "Authentication events by kind and outcome",
			},
			[]string{"event", "outcome"},
		),
		AuthRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_rejections_total",
				Help:      "Requests rejected by the auth middleware",
			},
			[]string{"reason"},
		),
		DBConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database pool connections by state",
			},
			[]string{"state"},
		),
		DBMaxConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_max",
			Help:      "Configured maximum pool size",
		}),
		DBAcquireTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_acquire_total",
			Help:      "Cumulative successful connection acquires",
		}),
		DBEmptyAcquireTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_empty_acquire_total",
			Help:      "Cumulative acquires that had to wait for a connection",
		}),
		DBAcquireSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_acquire_duration_seconds_total",
			Help:      "Cumulative time spent acquiring connections",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthEventsTotal,
		m.AuthRejectionsTotal,
		m.DBConnections,
		m.DBMaxConnections,
		m.DBAcquireTotal,
		m.DBEmptyAcquireTotal,
		m.DBAcquireSeconds,
	)

	return m
}

// RecordAuthEvent counts a login, registration, setup or federation outcome.
func (m *Metrics) RecordAuthEvent(event, outcome string) {
	m.AuthEventsTotal.WithLabelValues(event, outcome).Inc()
}

// RecordAuthRejection counts a request refused by the auth middleware.
func (m *Metrics) RecordAuthRejection(reason string) {
	m.AuthRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObservePool copies a pool snapshot into the gauges.
func (m *Metrics) ObservePool(st database.PoolStats) {
	m.DBConnections.WithLabelValues("total").Set(float64(st.Total))
	m.DBConnections.WithLabelValues("idle").Set(float64(st.Idle))
	m.DBConnections.WithLabelValues("acquired").Set(float64(st.Acquired))
	m.DBMaxConnections.Set(float64(st.Max))
	m.DBAcquireTotal.Set(float64(st.AcquireCount))
	m.DBEmptyAcquireTotal.Set(float64(st.EmptyAcquireCount))
	m.DBAcquireSeconds.Set(st.AcquireDuration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency labelled by the chi route
// pattern, so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

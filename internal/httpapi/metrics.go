package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for the process. It keeps its
// own registry so the endpoint exposes exactly what we register, nothing
// from the global default.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter

	identities    prometheus.GaugeFunc
	colorApplies  *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	tokenRefresh  *prometheus.CounterVec
	reloadsTotal  prometheus.Counter
	reloadsFailed prometheus.Counter
}

// NewMetrics builds the collectors. identityCount feeds the fleet size
// gauge on every scrape; nil pins it to zero.
func NewMetrics(identityCount func() float64) *Metrics {
	if identityCount == nil {
		identityCount = func() float64 { return 0 }
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huecycle",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "huecycle",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huecycle",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		identities: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "huecycle",
			Name:      "identities",
			Help:      "Number of identities currently supervised",
		}, identityCount),
		colorApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huecycle",
			Name:      "color_applies_total",
			Help:      "Successful chat color changes",
		}, []string{"username"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huecycle",
			Name:      "sessions_established_total",
			Help:      "EventSub welcomes, including reconnects",
		}, []string{"username"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huecycle",
			Name:      "token_refreshes_total",
			Help:      "Successful OAuth token refreshes",
		}, []string{"username"}),
		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huecycle",
			Name:      "config_reloads_total",
			Help:      "Config reloads requested via the admin endpoint",
		}),
		reloadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huecycle",
			Name:      "config_reload_errors_total",
			Help:      "Admin reloads that failed to load the config",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.identities,
		m.colorApplies,
		m.sessions,
		m.tokenRefresh,
		m.reloadsTotal,
		m.reloadsFailed,
	)
	return m
}

// Handler returns the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncRateLimited counts one rejected request.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// SessionEstablished, TokenRefreshed and ColorApplied satisfy the
// supervisor's Observer interface.

func (m *Metrics) SessionEstablished(username string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(username).Inc()
}

func (m *Metrics) TokenRefreshed(username string) {
	if m == nil {
		return
	}
	m.tokenRefresh.WithLabelValues(username).Inc()
}

func (m *Metrics) ColorApplied(username string) {
	if m == nil {
		return
	}
	m.colorApplies.WithLabelValues(username).Inc()
}

func (m *Metrics) observeReload(err error) {
	if m == nil {
		return
	}
	m.reloadsTotal.Inc()
	if err != nil {
		m.reloadsFailed.Inc()
	}
}

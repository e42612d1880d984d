// Package metrics holds the Prometheus collectors for the auth service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
)

type Metrics struct {
	logins              *prometheus.CounterVec
	refreshes           *prometheus.CounterVec
	resetRequests       *prometheus.CounterVec
	resetCompletions    *prometheus.CounterVec
	apiTokenValidations *prometheus.CounterVec
	cleanupRemoved      *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notehub_auth_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notehub_auth_refreshes_total",
			Help: "Refresh token rotations by outcome",
		}, []string{"result"}),
		resetRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notehub_auth_reset_requests_total",
			Help: "Password reset requests by whether a token was issued",
		}, []string{"issued"}),
		resetCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notehub_auth_reset_completions_total",
			Help: "Password reset consumptions by outcome",
		}, []string{"result"}),
		apiTokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notehub_auth_api_token_validations_total",
			Help: "API token validations by outcome",
		}, []string{"result"}),
		cleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notehub_auth_cleanup_removed_total",
			Help: "Rows removed by cleanup jobs",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notehub_http_rate_limited_total",
			Help: "Requests rejected by a rate limit",
		}, []string{"limit"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notehub_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notehub_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.logins,
		m.refreshes,
		m.resetRequests,
		m.resetCompletions,
		m.apiTokenValidations,
		m.cleanupRemoved,
		m.rateLimited,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ResetRequested(issued bool) {
	if m == nil {
		return
	}
	m.resetRequests.WithLabelValues(strconv.FormatBool(issued)).Inc()
}

func (m *Metrics) ResetCompleted(result string) {
	if m == nil {
		return
	}
	m.resetCompletions.WithLabelValues(result).Inc()
}

func (m *Metrics) APITokenValidated(result string) {
	if m == nil {
		return
	}
	m.apiTokenValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) CleanedUp(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupRemoved.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RateLimited(limit string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(limit).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Package metrics holds the prometheus counters for the auth core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry       *prometheus.Registry
	LoginTotal     *prometheus.CounterVec
	TokensIssued   *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
	CSRFFailures   prometheus.Counter
	RefreshReuse   prometheus.Counter
	RevokeAllTotal prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		LoginTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantry",
			Subsystem: "auth",
			Name:      "login_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantry",
			Subsystem: "auth",
			Name:      "tokens_issued_total",
			Help:      "Signed tokens issued by type.",
		}, []string{"type"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantry",
			Subsystem: "auth",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by bucket.",
		}, []string{"bucket"}),
		CSRFFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pantry",
			Subsystem: "auth",
			Name:      "csrf_failures_total",
			Help:      "Cookie-authenticated requests rejected for CSRF.",
		}),
		RefreshReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pantry",
			Subsystem: "auth",
			Name:      "refresh_reuse_total",
			Help:      "Rotated refresh tokens presented again.",
		}),
		RevokeAllTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pantry",
			Subsystem: "auth",
			Name:      "revoke_all_total",
			Help:      "Revoke-all sweeps over a user's refresh tokens.",
		}),
	}
	reg.MustRegister(
		m.LoginTotal, m.TokensIssued, m.RateLimited,
		m.CSRFFailures, m.RefreshReuse, m.RevokeAllTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Login(result string) {
	if m != nil {
		m.LoginTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) TokenIssued(tokenType string) {
	if m != nil {
		m.TokensIssued.WithLabelValues(tokenType).Inc()
	}
}

func (m *Metrics) Limited(bucket string) {
	if m != nil {
		m.RateLimited.WithLabelValues(bucket).Inc()
	}
}

func (m *Metrics) CSRFFailure() {
	if m != nil {
		m.CSRFFailures.Inc()
	}
}

func (m *Metrics) Reuse() {
	if m != nil {
		m.RefreshReuse.Inc()
	}
}

func (m *Metrics) RevokeAll() {
	if m != nil {
		m.RevokeAllTotal.Inc()
	}
}

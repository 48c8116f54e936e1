// Package metrics exposes the proxy's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgeproxy"

// Registry owns a private prometheus.Registry so tests and multiple
// gateways in one process do not collide.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	breakerChanges  *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	dedupJoins      prometheus.Counter
	storeErrors     *prometheus.CounterVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by route, method, status code and terminal audit class.",
		}, []string{"route", "method", "status", "audit"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency as seen by the proxy.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
		}, []string{"route", "audit"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per backend (0 closed, 1 open, 2 half-open).",
		}, []string{"backend"}),
		breakerChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions per backend and target state.",
		}, []string{"backend", "to"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by X-Cache-Status outcome.",
		}, []string{"status"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter, by scope (global or route).",
		}, []string{"scope"}),
		dedupJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_joins_total",
			Help:      "Requests served from another in-flight request's response.",
		}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Backing store failures absorbed by a component.",
		}, []string{"component"}),
	}
}

// ObserveRequest records the single terminal observation for a request.
func (r *Registry) ObserveRequest(route, method string, status int, audit string, d time.Duration) {
	if route == "" {
		route = "none"
	}
	r.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status), audit).Inc()
	r.requestDuration.WithLabelValues(route, audit).Observe(d.Seconds())
}

// SetBreakerState takes the numeric state value (0 closed, 1 open, 2 half-open).
func (r *Registry) SetBreakerState(backend string, state int, name string) {
	r.breakerState.WithLabelValues(backend).Set(float64(state))
	r.breakerChanges.WithLabelValues(backend, name).Inc()
}

func (r *Registry) IncCacheLookup(status string) { r.cacheLookups.WithLabelValues(status).Inc() }

func (r *Registry) IncRateLimited(scope string) { r.rateLimited.WithLabelValues(scope).Inc() }

func (r *Registry) IncDedupJoin() { r.dedupJoins.Inc() }

func (r *Registry) IncStoreError(component string) { r.storeErrors.WithLabelValues(component).Inc() }

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer is exposed for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

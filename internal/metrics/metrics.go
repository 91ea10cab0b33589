// Package metrics exposes the counter engine's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Checkout outcomes.
const (
	OutcomeCommitted         = "committed"
	OutcomeNotFound          = "not_found"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeNoRefills         = "no_refills_remaining"
	OutcomeConflict          = "commit_conflict"
	OutcomeInvalid           = "invalid_input"
	OutcomeError             = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	CheckoutTotal    *prometheus.CounterVec
	CheckoutDuration prometheus.Histogram
	UnitsDispensed   *prometheus.CounterVec
	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
}

// New registers every collector, plus the Go and process collectors, on a fresh registry.
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: reg,
		CheckoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_checkout_total",
			Help:        "Checkout attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		CheckoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "pos_checkout_duration_seconds",
			Help:        "Time spent validating and committing a cart",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		UnitsDispensed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_units_dispensed_total",
			Help:        "Units sold by line source",
			ConstLabels: labels,
		}, []string{"source"}),
		RequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CheckoutTotal,
		m.CheckoutDuration,
		m.UnitsDispensed,
		m.RequestCounter,
		m.RequestDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCheckout records one checkout attempt.
func (m *Metrics) ObserveCheckout(outcome string, elapsed time.Duration) {
	m.CheckoutTotal.WithLabelValues(outcome).Inc()
	m.CheckoutDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDispensed(source string, units int64) {
	m.UnitsDispensed.WithLabelValues(source).Add(float64(units))
}

// Middleware records request count and latency labelled by the matched chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		m.RequestCounter.WithLabelValues(r.Method, path, code).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

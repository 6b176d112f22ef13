package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the ledger service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	postingsTotal      *prometheus.CounterVec
	accrualRunsTotal   *prometheus.CounterVec
	reconMismatches    prometheus.Gauge
	autoCorrectedTotal prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atlas_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_ledger_postings_total",
		Help: "Journal entries posted, by outcome.",
	}, []string{"outcome"})
	accrualRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_accrual_runs_total",
		Help: "Accrual runs executed, by kind and status.",
	}, []string{"kind", "status"})
	mismatches := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "atlas_recon_mismatched_accounts",
		Help: "Accounts with a balance mismatch in the last reconciliation scan.",
	})
	corrected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_recon_auto_corrections_total",
		Help: "Reconciliation auto-corrections applied.",
	})
	registry.MustRegister(requests, duration, postings, accrualRuns, mismatches, corrected)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		postingsTotal:      postings,
		accrualRunsTotal:   accrualRuns,
		reconMismatches:    mismatches,
		autoCorrectedTotal: corrected,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for each HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObservePosting counts a posting attempt by outcome ("posted" or "failed").
func (m *Metrics) ObservePosting(outcome string) {
	if m == nil {
		return
	}
	m.postingsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAccrualRun counts a completed accrual run.
func (m *Metrics) ObserveAccrualRun(kind, status string) {
	if m == nil {
		return
	}
	m.accrualRunsTotal.WithLabelValues(kind, status).Inc()
}

// SetReconMismatches records the mismatch count from the latest scan.
func (m *Metrics) SetReconMismatches(n int) {
	if m == nil {
		return
	}
	m.reconMismatches.Set(float64(n))
}

// ObserveAutoCorrection counts applied reconciliation corrections.
func (m *Metrics) ObserveAutoCorrection(n int) {
	if m == nil {
		return
	}
	m.autoCorrectedTotal.Add(float64(n))
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"provider"},
	)
	JobsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_settled_total",
			Help: "Total number of jobs settled by outcome",
		},
		[]string{"provider", "outcome"},
	)
	JobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Number of jobs currently held by worker slots",
		},
		[]string{"provider"},
	)
	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leases_reclaimed_total",
			Help: "Total number of expired leases reclaimed by the sweeper",
		},
	)
	LeaseLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lease_lost_total",
			Help: "Total number of times a worker abandoned a job after losing its lease",
		},
	)
	DLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Dead-letter queue depth as of the last reprocessor scan",
		},
	)
	DLQRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_requeued_total",
			Help: "Total number of DLQ entries re-queued",
		},
	)
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_circuit_state",
			Help: "Provider circuit state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)
	RefundRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refund_retries_total",
			Help: "Total refund retry attempts made by the refund sweeper",
		},
	)
	RefundsParkedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refunds_parked_total",
			Help: "Total reservations parked in failed-refund for operator inspection",
		},
	)
	ReconciliationDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_reconciliation_drift",
			Help: "Absolute credit drift detected by the reconciler",
		},
		[]string{"mode"},
	)
	AssetsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assets_stored_total",
			Help: "Total assets written to object storage",
		},
		[]string{"kind"},
	)
	AssetsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "assets_reaped_total",
			Help: "Total assets deleted by the retention job",
		},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsSettledTotal)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(LeasesReclaimedTotal)
	prometheus.MustRegister(LeaseLostTotal)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(DLQRequeuedTotal)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(RefundRetriesTotal)
	prometheus.MustRegister(RefundsParkedTotal)
	prometheus.MustRegister(ReconciliationDrift)
	prometheus.MustRegister(AssetsStoredTotal)
	prometheus.MustRegister(AssetsReapedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for distributed tracing and Prometheus
// for metrics, following the same registration and middleware shape
// throughout the dispatcher's control API and background loops.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts control API requests by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_http_requests_total",
			Help: "Total number of control API requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records control API request durations.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_http_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsRoutedTotal counts jobs that completed routing.
	JobsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_jobs_routed_total",
			Help: "Total number of jobs successfully routed",
		},
		[]string{},
	)
	// JobsFailedTotal counts jobs that reached terminal FAILED.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_jobs_failed_total",
			Help: "Total number of jobs that reached terminal FAILED",
		},
		[]string{"reason"},
	)
	// TasksSentTotal counts tasks successfully handed off.
	TasksSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_sent_total",
			Help: "Total number of tasks successfully handed off to the orchestrator",
		},
		[]string{"session_id"},
	)
	// TasksFailedTotal counts tasks that exhausted retries.
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_failed_total",
			Help: "Total number of tasks that exhausted retries",
		},
		[]string{"session_id"},
	)
	// SessionQueueLength is a gauge of the current per-session queue length.
	SessionQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_session_queue_length",
			Help: "Current length of a session's task queue",
		},
		[]string{"session_id"},
	)
	// PacerDelay records the actual delay returned by waitForSlot.
	PacerDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_pacer_delay_ms",
			Help:    "Delay in milliseconds applied by the pacer before a handoff",
			Buckets: []float64{0, 500, 1000, 2000, 5000, 10000, 20000, 40000},
		},
		[]string{"session_id"},
	)
	// SmartGuardRPMChanges counts RPM changes made by SmartGuard.
	SmartGuardRPMChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_smartguard_rpm_changes_total",
			Help: "Total number of RPM changes made by SmartGuard",
		},
		[]string{"session_id", "reason"},
	)
	// ActivePacers is a gauge of the number of active session consumers.
	ActivePacers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_active_pacers",
			Help: "Number of currently active per-session pacers/consumers",
		},
	)
	// CircuitBreakerStateGauge reports each named circuit breaker's current
	// state (0=closed, 1=open, 2=half-open).
	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_circuit_breaker_state",
			Help: "Current state of a circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsRoutedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(TasksSentTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(SessionQueueLength)
	prometheus.MustRegister(PacerDelay)
	prometheus.MustRegister(SmartGuardRPMChanges)
	prometheus.MustRegister(ActivePacers)
	prometheus.MustRegister(CircuitBreakerStateGauge)
}

// HTTPMetricsMiddleware records Prometheus metrics for each control API request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

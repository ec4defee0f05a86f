package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActionExecutions counts dispatched actions by execution type and outcome
	// (success, failed, rejected, error).
	ActionExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metaflow_action_executions_total",
			Help: "Total number of action executions",
		},
		[]string{"execution_type", "outcome"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metaflow_action_execution_duration_seconds",
			Help:    "Duration of action executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"execution_type"},
	)

	CriteriaEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metaflow_criteria_evaluations_total",
			Help: "Total number of criteria evaluations by classification",
		},
		[]string{"classification"},
	)

	SchemaWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metaflow_schema_writes_total",
			Help: "Total number of schema registry writes",
		},
		[]string{"kind", "op"},
	)

	ConsistencyIncidents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metaflow_consistency_incidents_total",
			Help: "Stored state found violating a relationship invariant",
		},
	)

	RequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metaflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metaflow_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Middleware records request count and latency keyed by the matched chi route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

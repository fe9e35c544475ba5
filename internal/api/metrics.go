package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

var (
	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Backend API requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	apiRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Backend API request latency. Event streams are excluded.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	apiStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crucible",
		Subsystem: "api",
		Name:      "event_streams",
		Help:      "Open operation event streams.",
	})
)

func init() {
	prometheus.MustRegister(apiRequests, apiRequestSeconds, apiStreams)
}

// metricsMiddleware counts requests by chi route pattern so operation ids
// never become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		apiRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if !isEventStream(route) {
			apiRequestSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func isEventStream(route string) bool {
	return route == "/api/v1/operations/{id}/events"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatchedRoute
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

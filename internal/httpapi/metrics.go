package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whisperer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served by the local status endpoint",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "whisperer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status endpoint latency in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

// MetricsMiddleware counts and times every request, labelled by route.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		code := ww.Status()
		if code == 0 {
			// handler wrote nothing
			code = http.StatusOK
		}
		labels := prometheus.Labels{
			"path":   routeLabel(r),
			"method": r.Method,
			"status": strconv.Itoa(code),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

// routeLabel prefers the matched chi pattern over the raw path so ids in
// URLs do not explode label cardinality.
func routeLabel(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil || rc.RoutePattern() == "" {
		return r.URL.Path
	}
	return rc.RoutePattern()
}

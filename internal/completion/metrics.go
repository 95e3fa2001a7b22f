package completion

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "whisperer",
			Subsystem: "completion",
			Name:      "polls_total",
			Help:      "Total /next-token polls issued",
		},
	)

	fragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "whisperer",
			Subsystem: "completion",
			Name:      "fragments_total",
			Help:      "Token fragments written to output",
		},
	)

	stopRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "whisperer",
			Subsystem: "completion",
			Name:      "stop_requests_total",
			Help:      "Early-termination signals sent to the server",
		},
	)

	finishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whisperer",
			Subsystem: "completion",
			Name:      "finished_total",
			Help:      "Completions by stop reason",
		},
		[]string{"reason"},
	)

	transportErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whisperer",
			Subsystem: "completion",
			Name:      "transport_errors_total",
			Help:      "Failed calls to the inference server",
		},
		[]string{"op"},
	)

	clientRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whisperer",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "HTTP requests made to the inference server",
		},
		[]string{"code", "method"},
	)

	clientRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "whisperer",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests to the inference server",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(pollsTotal, fragmentsTotal, stopRequestsTotal, finishedTotal,
		transportErrorsTotal, clientRequestsTotal, clientRequestDuration)
}

// InstrumentedTransport wraps base (http.DefaultTransport when nil) with
// request counters and latency histograms.
func InstrumentedTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(clientRequestsTotal,
		promhttp.InstrumentRoundTripperDuration(clientRequestDuration, base))
}

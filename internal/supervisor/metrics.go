package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	serverUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "whisperer",
			Subsystem: "server",
			Name:      "up",
			Help:      "1 while the inference server process is running",
		},
	)

	serverExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whisperer",
			Subsystem: "server",
			Name:      "exits_total",
			Help:      "Inference server exits by kind (aborted|unexpected)",
		},
		[]string{"kind"},
	)

	spawnFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "whisperer",
			Subsystem: "server",
			Name:      "spawn_failures_total",
			Help:      "Inference server launches that failed",
		},
	)
)

func init() {
	prometheus.MustRegister(serverUp, serverExitsTotal, spawnFailuresTotal)
}

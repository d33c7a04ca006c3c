package persistentworker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded against the responses counter.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
	outcomeShutdown  = "shutdown"
)

// metrics is the set of collectors the worker updates as it runs.
type metrics struct {
	responses          *prometheus.CounterVec
	inFlight           prometheus.Gauge
	duration           prometheus.Histogram
	protocolViolations prometheus.Counter
}

// newMetrics creates the worker's collectors, registering them with reg if it is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persistent_worker",
			Name:      "responses_total",
			Help:      "Count of responses written, by outcome",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "persistent_worker",
			Name:      "requests_in_flight",
			Help:      "Number of requests currently being handled",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "persistent_worker",
			Name:      "request_duration_seconds",
			Help:      "Time spent in the handler for each request",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "persistent_worker",
			Name:      "protocol_violations_total",
			Help:      "Count of requests dropped for reusing an active request id",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.responses, m.inFlight, m.duration, m.protocolViolations)
	}
	return m
}

package gcsclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-operation request counters and latencies.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcsfs",
			Subsystem: "gcs",
			Name:      "requests_total",
			Help:      "JSON API requests by operation and HTTP status code.",
		}, []string{"op", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gcsfs",
			Subsystem: "gcs",
			Name:      "request_duration_seconds",
			Help:      "JSON API request latency until response headers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.requests, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observe(op Op, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(op), code).Inc()
	m.duration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

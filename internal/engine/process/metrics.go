package process

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

// Metric label values for call outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
)

var (
	workerBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_process_worker_boot_seconds",
			Help:    "Duration from worker launch to first successful ping, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_process_active_workers",
			Help: "Number of currently running worker processes.",
		},
	)

	callDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_process_call_seconds",
			Help:    "Request round-trip time from call send to final result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workerCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_process_worker_cleanup_seconds",
			Help:    "Duration of worker shutdown and socket directory removal, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_process_calls_total",
			Help: "Total number of requests served by worker processes.",
		},
		[]string{"lang", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(workerBootDuration)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(workerCleanupDuration)
	prometheus.MustRegister(callsTotal)

	for _, lang := range model.Langs {
		callsTotal.WithLabelValues(lang, outcomeCompleted)
		callsTotal.WithLabelValues(lang, outcomeFailed)
		callsTotal.WithLabelValues(lang, outcomeTimeout)
	}
}

package reload

import "github.com/prometheus/client_golang/prometheus"

// Restart outcome label values.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCoalesced = "coalesced"
	outcomeRefused   = "refused"
)

var (
	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_runtime_restarts_total",
			Help: "Restart triggers by outcome. Coalesced triggers found a restart already in flight; refused ones hit a destroyed runtime.",
		},
		[]string{"outcome"},
	)

	restartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_runtime_restart_seconds",
			Help:    "Duration of a restart from engine construction to old instance termination, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	dependentFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_runtime_dependent_failures_total",
			Help: "Dependents that failed to rebuild during a restart sweep.",
		},
	)

	terminationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_runtime_termination_failures_total",
			Help: "Engine instances whose termination reported an error.",
		},
	)

	activeRuntimes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_runtimes_active",
			Help: "Number of runtimes holding a live engine instance.",
		},
	)
)

func init() {
	prometheus.MustRegister(restartsTotal)
	prometheus.MustRegister(restartDuration)
	prometheus.MustRegister(dependentFailures)
	prometheus.MustRegister(terminationFailures)
	prometheus.MustRegister(activeRuntimes)

	for _, o := range []string{outcomeCompleted, outcomeFailed, outcomeCoalesced, outcomeRefused} {
		restartsTotal.WithLabelValues(o)
	}
}

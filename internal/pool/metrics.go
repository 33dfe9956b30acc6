package pool

import "github.com/prometheus/client_golang/prometheus"

// Failure kinds.
const (
	failureHeartbeat = "heartbeat_timeout"
	failureCrash     = "host_crash"
	failureInit      = "init_failed"
	failureTimeout   = "init_timeout"
)

var (
	poolState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_pool_state",
			Help: "Current pool state (0 none, 1 initializing, 2 running, 3 exiting).",
		},
	)

	activeCallers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_pool_active_callers",
			Help: "Number of callers currently inside RunWithPool.",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_sessions_total",
			Help: "Total number of host sessions by final status.",
		},
		[]string{"status"},
	)

	initDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_pool_init_seconds",
			Help:    "Duration from host launch to poolReady, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_calls_total",
			Help: "Total number of proxied calls by operation and outcome.",
		},
		[]string{"operation", "status"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_pool_call_seconds",
			Help:    "Proxied call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_failures_total",
			Help: "Total number of session failures by kind.",
		},
		[]string{"kind"},
	)

	workerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_pool_worker_panics_total",
			Help: "Total number of worker panics reported on worker channels.",
		},
	)
)

func init() {
	prometheus.MustRegister(poolState)
	prometheus.MustRegister(activeCallers)
	prometheus.MustRegister(sessionsTotal)
	prometheus.MustRegister(initDuration)
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(failuresTotal)
	prometheus.MustRegister(workerPanics)

	for _, kind := range []string{failureHeartbeat, failureCrash, failureInit, failureTimeout} {
		failuresTotal.WithLabelValues(kind)
	}
}

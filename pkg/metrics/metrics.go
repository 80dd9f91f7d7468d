package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every soloist metric.
const Namespace = "soloist"

// Metrics are registered with the default registry through promauto.
var (
	// --- Session Metrics ---

	// SessionTransitions counts session state transitions by target state.
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total number of session state transitions by state",
		},
		[]string{"state"},
	)

	// SessionState holds the numeric value of the current session state.
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (0=connecting 1=connected 2=suspended 3=lost 4=reconnected)",
		},
	)

	// ConnectAttempts counts dial attempts by result.
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Total number of connection attempts by result",
		},
		[]string{"result"},
	)

	// --- Init Metrics ---

	// InitAttempts counts election path initialization attempts by result.
	InitAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "init",
			Name:      "attempts_total",
			Help:      "Total number of election path initialization attempts by result",
		},
		[]string{"result"},
	)

	// --- Leadership Metrics ---

	// LeadershipTerms counts granted leadership terms.
	LeadershipTerms = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "leadership",
			Name:      "terms_total",
			Help:      "Total number of leadership terms held by this process",
		},
	)

	// TermEnds counts finished terms by reason.
	TermEnds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "leadership",
			Name:      "term_ends_total",
			Help:      "Total number of finished leadership terms by end reason",
		},
		[]string{"reason"},
	)

	// IsLeader is 1 while this process holds leadership.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "leadership",
			Name:      "is_leader",
			Help:      "Whether this process currently holds leadership",
		},
	)

	// TermDuration tracks how long leadership terms last.
	TermDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "leadership",
			Name:      "term_duration_seconds",
			Help:      "Duration of leadership terms in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 18), // 0.1s to ~7h
		},
	)

	// CampaignErrors counts failed campaign attempts.
	CampaignErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "leadership",
			Name:      "campaign_errors_total",
			Help:      "Total number of failed campaign attempts",
		},
	)

	// --- Worker Metrics ---

	// WorkerStatus holds the numeric value of the current worker status.
	WorkerStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "status",
			Help:      "Current worker status (0=idle 1=running 2=stopping 3=stopped)",
		},
	)

	// WorkerIterations counts job iterations by result.
	WorkerIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "iterations_total",
			Help:      "Total number of job iterations by result",
		},
		[]string{"result"},
	)

	// IterationDuration tracks job iteration duration.
	IterationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "iteration_duration_seconds",
			Help:      "Duration of job iterations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
		},
	)

	// StopTimeouts counts graceful stops that exceeded their timeout.
	StopTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "stop_timeouts_total",
			Help:      "Total number of graceful stops that did not finish in time",
		},
	)
)

// RecordSessionState records a session transition.
func RecordSessionState(state string, value float64) {
	SessionTransitions.WithLabelValues(state).Inc()
	SessionState.Set(value)
}

// RecordTermStart records a newly granted term.
func RecordTermStart() {
	LeadershipTerms.Inc()
	IsLeader.Set(1)
}

// RecordTermEnd records a finished term.
func RecordTermEnd(reason string, durationSeconds float64) {
	IsLeader.Set(0)
	TermEnds.WithLabelValues(reason).Inc()
	TermDuration.Observe(durationSeconds)
}

// RecordIteration records a finished job iteration.
func RecordIteration(result string, durationSeconds float64) {
	WorkerIterations.WithLabelValues(result).Inc()
	IterationDuration.Observe(durationSeconds)
}

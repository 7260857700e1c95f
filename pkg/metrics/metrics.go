package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "labrange"

var (
	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions broken out by result.",
		},
		[]string{"result"},
	)

	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Start attempts that passed admission, by outcome.",
		},
		[]string{"outcome"},
	)

	sessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "terminated_total",
			Help:      "Sessions terminated, by cause.",
		},
		[]string{"cause"},
	)

	provisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "provision_duration_seconds",
			Help:      "Time from starting to running.",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180, 240, 300},
		},
	)

	teardownFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "teardown",
			Name:      "failures_total",
			Help:      "Background teardown steps that failed, by step.",
		},
		[]string{"step"},
	)

	backgroundFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "background",
			Name:      "task_failures_total",
			Help:      "Supervised background tasks that ended in error or panic.",
		},
		[]string{"task"},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Job handler invocations, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "current",
			Help:      "Sessions per non-terminal status.",
		},
		[]string{"status"},
	)

	jobQueue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "current",
			Help:      "Jobs per status.",
		},
		[]string{"status"},
	)

	monthCost = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "month_to_date_cost",
			Help:      "Estimated spend since the start of the month.",
		},
	)

	graceActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "grace_period_active",
			Help:      "1 while a monthly budget grace period is running.",
		},
	)
)

var registerMetrics sync.Once

// Register registers every metric with reg exactly once
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(
			admissionDecisions,
			sessionsStarted,
			sessionsTerminated,
			provisionDuration,
			teardownFailures,
			backgroundFailures,
			jobsProcessed,
			activeSessions,
			jobQueue,
			monthCost,
			graceActive,
		)
	})
}

// Reset clears all vectors. Used by tests.
func Reset() {
	admissionDecisions.Reset()
	sessionsStarted.Reset()
	sessionsTerminated.Reset()
	teardownFailures.Reset()
	backgroundFailures.Reset()
	jobsProcessed.Reset()
	activeSessions.Reset()
	jobQueue.Reset()
	monthCost.Set(0)
	graceActive.Set(0)
}

// RecordAdmission counts one admission decision
func RecordAdmission(result string) {
	admissionDecisions.WithLabelValues(result).Inc()
}

// RecordStart counts a start attempt outcome ("running" or "failed")
func RecordStart(outcome string) {
	sessionsStarted.WithLabelValues(outcome).Inc()
}

// RecordProvisionDuration observes how long provisioning took
func RecordProvisionDuration(seconds float64) {
	provisionDuration.Observe(seconds)
}

// RecordTermination counts a session termination
func RecordTermination(cause string) {
	sessionsTerminated.WithLabelValues(cause).Inc()
}

// RecordTeardownFailure counts a failed teardown step
func RecordTeardownFailure(step string) {
	teardownFailures.WithLabelValues(step).Inc()
}

// RecordBackgroundFailure counts a failed supervised background task
func RecordBackgroundFailure(task string) {
	backgroundFailures.WithLabelValues(task).Inc()
}

// RecordJob counts a job handler invocation
func RecordJob(jobType, outcome string) {
	jobsProcessed.WithLabelValues(jobType, outcome).Inc()
}

// SetGraceActive publishes the grace-period flag
func SetGraceActive(active bool) {
	if active {
		graceActive.Set(1)
		return
	}
	graceActive.Set(0)
}

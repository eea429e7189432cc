// Package metrics declares the Prometheus collectors of the credit engine.
// Collectors register with the default registry on package init and are
// served by the API's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zev"

// Coverage check outcomes.
const (
	ResultCovered   = "covered"
	ResultUncovered = "uncovered"
	ResultError     = "error"
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

// CoverageChecks counts coverage evaluations by outcome.
var CoverageChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "coverage_checks_total",
	Help:      "Total coverage checks by result (covered, uncovered, error).",
}, []string{"result"})

// CoverageCheckDuration tracks how long a coverage check takes end to end,
// including repository reads.
var CoverageCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "coverage_check_duration_seconds",
	Help:      "Coverage check latency in seconds.",
	Buckets:   prometheus.DefBuckets,
})

// RecordsWritten counts committed ledger records by kind.
var RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "records_written_total",
	Help:      "Total ledger records committed, by transaction kind.",
}, []string{"kind"})

// ─── Workflow ───────────────────────────────────────────────────────────────

// WorkflowCommits counts terminal workflow transitions by action and outcome.
var WorkflowCommits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "workflow",
	Name:      "commits_total",
	Help:      "Total terminal transitions by action and outcome.",
}, []string{"action", "outcome"})

// ─── Assessment ─────────────────────────────────────────────────────────────

// AssessmentsClosed counts compliance-year closes by outcome.
var AssessmentsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "assessment",
	Name:      "closes_total",
	Help:      "Total organization compliance-year closes by outcome (closed, skipped, failed).",
}, []string{"outcome"})

// AssessmentRunDuration tracks a full CloseAll batch.
var AssessmentRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "assessment",
	Name:      "run_duration_seconds",
	Help:      "Duration of a batch compliance-year close in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
})

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPRequests counts API requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests by method, route and status.",
}, []string{"method", "route", "status"})

// HTTPDuration tracks API latency by route pattern.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route"})

// ObserveCoverage records one coverage check.
func ObserveCoverage(result string, started time.Time) {
	CoverageChecks.WithLabelValues(result).Inc()
	CoverageCheckDuration.Observe(time.Since(started).Seconds())
}

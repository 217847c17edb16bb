// Package metrics holds the Prometheus collectors shared by both services
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission results
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultDenied    = "denied"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

var (
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_admissions_total",
			Help: "Automation job submissions by result",
		},
		[]string{"result"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_jobs_processed_total",
			Help: "Claimed automation jobs by outcome and the stage they ended in",
		},
		[]string{"outcome", "stage"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_job_duration_seconds",
			Help:    "Time from claim to outcome",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"outcome"},
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_jobs_active",
			Help: "Jobs currently held by this worker",
		},
	)

	QueueErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_queue_errors_total",
			Help: "Queue operations that failed",
		},
		[]string{"operation"},
	)
)

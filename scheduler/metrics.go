package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolution_jobs_enqueued_total",
			Help: "Jobs accepted per queue and type",
		},
		[]string{"queue", "type"},
	)
	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolution_jobs_completed_total",
			Help: "Jobs completed per queue and type",
		},
		[]string{"queue", "type"},
	)
	jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolution_jobs_failed_total",
			Help: "Jobs failed after retry exhaustion or discard",
		},
		[]string{"queue", "type"},
	)
	jobsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolution_jobs_removed_total",
			Help: "Jobs cancelled while delayed or waiting",
		},
		[]string{"queue", "type"},
	)
	jobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolution_job_retries_total",
			Help: "Retry attempts scheduled with backoff",
		},
		[]string{"queue", "type"},
	)
)

// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	VerifyAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verify_attempts_total",
		Help: "Total number of region verification attempts",
	})
	VerifySucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verify_succeeded_total",
		Help: "Total number of successful region verifications",
	})
	VerifyFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verify_failed_total",
		Help: "Total number of failed region verifications",
	})
	CollectBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collect_batches_total",
		Help: "Total number of month-window batches fetched by the collector",
	})
	CollectCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collect_completed_total",
		Help: "Total number of jobs that completed all twelve collection windows",
	})
	CollectFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collect_failed_total",
		Help: "Total number of collection jobs that failed",
	})
	AnalyzePrompts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analyze_prompts_total",
		Help: "Total number of LLM enrichment prompts issued",
	})
	AnalyzeFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analyze_failed_total",
		Help: "Total number of analysis jobs that failed",
	})
	EmailsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emails_sent_total",
		Help: "Total number of Wrapped-ready emails sent",
	})
	StageProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stage_processing_duration_seconds",
		Help:    "Histogram of per-stage job processing durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of Redis queues",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of jobs whose expired lock was recovered by the reaper",
	})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines per stage",
	}, []string{"stage"})
	ApiCallAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_api_call_attempts_total",
		Help: "Total number of Archive API call attempts by api_type",
	}, []string{"api_type"})
)

func init() {
	prometheus.MustRegister(
		VerifyAttempts, VerifySucceeded, VerifyFailed,
		CollectBatches, CollectCompleted, CollectFailed,
		AnalyzePrompts, AnalyzeFailed,
		EmailsSent,
		StageProcessingDuration, QueueLength,
		CircuitBreakerState, CircuitBreakerTrips,
		ReaperRecovered, WorkerActive, ApiCallAttempts,
	)
}

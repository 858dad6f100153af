// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hireflow_events_ingested_total",
		Help: "Candidate events accepted or rejected at ingest.",
	}, []string{"type", "result"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hireflow_ingest_queue_depth",
		Help: "Events waiting in the ingest queue.",
	})

	WorkflowsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hireflow_workflows_matched_total",
		Help: "Workflow matches per trigger type.",
	}, []string{"trigger"})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hireflow_executions_total",
		Help: "Committed executions by terminal status.",
	}, []string{"status"})

	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hireflow_actions_total",
		Help: "Action outcomes by type and status.",
	}, []string{"type", "status"})

	ActionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hireflow_action_retries_total",
		Help: "Retry attempts after transient action failures.",
	}, []string{"type"})

	ReservationsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hireflow_reservations_denied_total",
		Help: "Reservations refused by the ledger, by reason.",
	}, []string{"reason"})

	DeferredEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hireflow_deferred_enqueued_total",
		Help: "Matches held back because the schedule window was closed.",
	})

	DeferredDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hireflow_deferred_dropped_total",
		Help: "Deferred matches dropped after the staleness horizon.",
	})

	ReentrancyViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hireflow_reentrancy_violations_total",
		Help: "Chained events refused for exceeding the maximum chain depth.",
	})

	Reconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hireflow_executions_reconciled_total",
		Help: "Orphaned executions committed as failed by reconciliation.",
	})

	PipelinePanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hireflow_pipeline_panics_total",
		Help: "Recovered panics in per-workflow pipelines.",
	})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hireflow_dispatch_duration_seconds",
		Help:    "Time spent dispatching all actions of one execution.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hireflow_http_requests_total",
		Help: "REST requests by route template, method and status code.",
	}, []string{"route", "method", "code"})
)

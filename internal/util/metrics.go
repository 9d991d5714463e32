package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EntityMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entity_mutations_total",
		Help: "Total number of applied entity mutations",
	}, []string{"entity", "op"})

	EntityValidationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entity_validation_errors_total",
		Help: "Total number of rejected entity mutations",
	}, []string{"entity"})

	ProfitMarginWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "product_profit_margin_warnings_total",
		Help: "Total number of product writes whose profit margin disagrees with price and cost",
	})

	EventBusDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_deliveries_total",
		Help: "Total number of coalesced deliveries to subscribers",
	}, []string{"event_type"})

	EventBusHandlerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_handler_panics_total",
		Help: "Total number of subscriber panics recovered by the event bus",
	})

	InsightScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insight_scans_total",
		Help: "Total number of insight scans",
	})

	InsightsGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_generated_total",
		Help: "Total number of insights created",
	}, []string{"type", "severity"})

	InsightRuleFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_rule_failures_total",
		Help: "Total number of rule evaluations that failed and were skipped",
	}, []string{"rule"})

	InsightScanLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_scan_latency_seconds",
		Help:    "Latency of a full insight scan",
		Buckets: prometheus.DefBuckets,
	})

	ActionsProposedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actions_proposed_total",
		Help: "Total number of actions created from insights",
	}, []string{"type"})

	ActionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "action_transitions_total",
		Help: "Total number of committed action state transitions",
	}, []string{"to"})

	ActionExecutionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "action_execution_failures_total",
		Help: "Total number of failed or timed-out action executions",
	}, []string{"reason"})

	ActionExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "action_execution_latency_seconds",
		Help:    "Latency of external action execution",
		Buckets: prometheus.DefBuckets,
	})

	CompensationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "action_compensation_failures_total",
		Help: "Total number of compensating entity updates that could not be applied",
	})

	NotificationsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_created_total",
		Help: "Total number of notifications created",
	}, []string{"type"})

	NotificationsSuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_suppressed_total",
		Help: "Total number of notifications suppressed by an unread duplicate",
	}, []string{"type"})

	WorkflowRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_runs_total",
		Help: "Total number of workflow trigger matches",
	}, []string{"trigger"})

	SystemHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_health_score",
		Help: "Last computed system health score for the 30d range",
	})

	BrokerEventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_events_published_total",
		Help: "Total number of domain events forwarded to Kafka",
	}, []string{"event_type", "result"})

	IngestMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_total",
		Help: "Total number of upstream mutation messages consumed",
	}, []string{"op", "result"})

	SchedulerJobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_runs_total",
		Help: "Total number of scheduled job runs",
	}, []string{"job", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

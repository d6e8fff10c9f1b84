// Package metrics holds the Prometheus collectors shared by the queue, the
// circuit breakers, the result store and the worker runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueOps counts queue operations by operation and outcome.
	// Labels:
	//   - op: "enqueue", "dequeue", "complete", "fail"
	//   - outcome: "ok", "empty" or "error"
	QueueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchq_queue_operations_total",
		Help: "Queue operations by type and outcome",
	}, []string{"op", "outcome"})

	// QueueDepth tracks the number of tasks in each priority list and the processing set.
	// This gauge is updated by Stats and by the worker's depth collector.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatchq_queue_depth",
		Help: "Number of tasks per priority list",
	}, []string{"queue"})

	// QueueLatency tracks the time a task spends in the queue before being dequeued.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatchq_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"priority"})

	// BreakerState is 0 for closed, 1 for open, 2 for half-open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatchq_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"breaker"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchq_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"breaker", "from", "to"})

	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchq_breaker_rejections_total",
		Help: "Calls rejected by an open or saturated circuit breaker",
	}, []string{"breaker"})

	// ResultOps counts result store operations.
	// Labels:
	//   - op: "store", "get", "delete", "publish", "cleanup"
	//   - outcome: "ok", "miss" or "error"
	ResultOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchq_result_operations_total",
		Help: "Result store operations by type and outcome",
	}, []string{"op", "outcome"})

	// TasksProcessed tracks executed tasks by status and operation.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchq_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"status", "operation"})

	// TaskDuration is used to calculate execution percentiles per operation.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatchq_task_duration_seconds",
		Help:    "Duration of task processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

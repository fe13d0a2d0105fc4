// Package metrics exposes the engine's Prometheus metrics. A nil *Collector
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeExecutions   prometheus.Gauge

	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	nodeRetries   *prometheus.CounterVec

	jobsEnqueued  *prometheus.CounterVec
	jobsProcessed *prometheus.CounterVec
	syncFallbacks *prometheus.CounterVec
	activeJobs    prometheus.Gauge

	breakerState   *prometheus.GaugeVec
	triggersFired  *prometheus.CounterVec
	eventsRelayed  *prometheus.CounterVec
	realtimeClient prometheus.Gauge
}

// NewCollector registers every metric on reg. Passing
// prometheus.DefaultRegisterer exposes them through promhttp.Handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		executionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "runflow_executions_started_total",
			Help: "Total number of executions started",
		}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_executions_finished_total",
			Help: "Total number of executions that reached a terminal status",
		}, []string{"status"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runflow_execution_duration_seconds",
			Help:    "Execution wall-clock duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		activeExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runflow_active_executions",
			Help: "Number of executions currently being driven by this process",
		}),
		nodesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_nodes_executed_total",
			Help: "Total number of node executions by terminal status",
		}, []string{"node_type", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runflow_node_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_type"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_node_retries_total",
			Help: "Total number of node retry attempts",
		}, []string{"node_type", "error_type"}),
		jobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}, []string{"kind"}),
		jobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_jobs_processed_total",
			Help: "Total number of jobs processed by workers",
		}, []string{"result"}),
		syncFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_sync_fallbacks_total",
			Help: "Total number of jobs executed synchronously because the queue was unavailable",
		}, []string{"reason"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runflow_worker_active_jobs",
			Help: "Number of jobs currently held by the worker pool",
		}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runflow_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"breaker"}),
		triggersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_triggers_fired_total",
			Help: "Total number of trigger job firings",
		}, []string{"type", "result"}),
		eventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_realtime_events_total",
			Help: "Total number of realtime events by direction",
		}, []string{"direction"}),
		realtimeClient: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runflow_realtime_clients",
			Help: "Number of connected realtime clients",
		}),
	}
}

func (c *Collector) ExecutionStarted() {
	if c == nil {
		return
	}

	c.executionsStarted.Inc()
	c.activeExecutions.Inc()
}

func (c *Collector) ExecutionFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}

	c.activeExecutions.Dec()
	c.executionsFinished.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (c *Collector) NodeFinished(nodeType, status string, duration time.Duration) {
	if c == nil {
		return
	}

	c.nodesExecuted.WithLabelValues(nodeType, status).Inc()
	c.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

func (c *Collector) NodeRetried(nodeType, errorType string) {
	if c == nil {
		return
	}

	c.nodeRetries.WithLabelValues(nodeType, errorType).Inc()
}

func (c *Collector) JobEnqueued(kind string) {
	if c == nil {
		return
	}

	c.jobsEnqueued.WithLabelValues(kind).Inc()
}

// JobStarted and JobFinished bracket one job held by a worker.
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}

	c.activeJobs.Inc()
}

func (c *Collector) JobFinished(result string) {
	if c == nil {
		return
	}

	c.activeJobs.Dec()
	c.jobsProcessed.WithLabelValues(result).Inc()
}

func (c *Collector) SyncFallback(reason string) {
	if c == nil {
		return
	}

	c.syncFallbacks.WithLabelValues(reason).Inc()
}

func (c *Collector) BreakerState(name string, state int) {
	if c == nil {
		return
	}

	c.breakerState.WithLabelValues(name).Set(float64(state))
}

func (c *Collector) TriggerFired(triggerType, result string) {
	if c == nil {
		return
	}

	c.triggersFired.WithLabelValues(triggerType, result).Inc()
}

// EventRelayed counts events published ("out") or delivered to clients ("in").
func (c *Collector) EventRelayed(direction string) {
	if c == nil {
		return
	}

	c.eventsRelayed.WithLabelValues(direction).Inc()
}

func (c *Collector) RealtimeClients(delta int) {
	if c == nil {
		return
	}

	c.realtimeClient.Add(float64(delta))
}

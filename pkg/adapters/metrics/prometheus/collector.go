package prometheus

import (
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	runsSubmitted     *prometheus.CounterVec
	runsCompleted     *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	stepsExecuted     *prometheus.CounterVec
	stepExecutionTime prometheus.Histogram
	llmCalls          *prometheus.CounterVec
	llmTokens         *prometheus.CounterVec
	llmLatency        *prometheus.HistogramVec
	jobsProcessed     *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	activeStreams     prometheus.Gauge
	eventsDropped     prometheus.Counter
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// Pass prometheus.DefaultRegisterer to expose metrics on the default /metrics handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		runsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_runs_submitted_total",
				Help: "Total number of runs submitted",
			},
			[]string{"status"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_runs_completed_total",
				Help: "Total number of runs that reached a terminal state",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentpipe_run_duration_seconds",
				Help:    "Run execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		stepsExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_steps_executed_total",
				Help: "Total number of pipeline steps executed",
			},
			[]string{"status"},
		),
		stepExecutionTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentpipe_step_execution_duration_seconds",
				Help:    "Step execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"model"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_llm_tokens_total",
				Help: "Total number of LLM tokens used",
			},
			[]string{"model", "type"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentpipe_llm_latency_seconds",
				Help:    "LLM API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"model"},
		),
		jobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_jobs_processed_total",
				Help: "Total number of job deliveries by outcome",
			},
			[]string{"job_type", "outcome"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentpipe_queue_depth",
				Help: "Current depth of job queues",
			},
			[]string{"queue"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpipe_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpipe_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpipe_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		activeStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpipe_active_streams",
				Help: "Number of connected run stream clients",
			},
		),
		eventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentpipe_events_dropped_total",
				Help: "Run events dropped because a subscriber queue was full",
			},
		),
	}
}

// RecordRunSubmitted records a run submission
func (c *Collector) RecordRunSubmitted(status string) {
	c.runsSubmitted.WithLabelValues(status).Inc()
}

// RecordRunCompleted records a run reaching a terminal state
func (c *Collector) RecordRunCompleted(status string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStepExecuted records a step execution
func (c *Collector) RecordStepExecuted(status string, duration time.Duration) {
	c.stepsExecuted.WithLabelValues(status).Inc()
	c.stepExecutionTime.Observe(duration.Seconds())
}

// RecordLLMCall records a provider call with its latency and token usage
func (c *Collector) RecordLLMCall(model string, latency time.Duration, usage domain.Usage) {
	c.llmCalls.WithLabelValues(model).Inc()
	c.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
	c.llmTokens.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	c.llmTokens.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
}

// RecordJobProcessed records the outcome of a job delivery (acked, retried, dead)
func (c *Collector) RecordJobProcessed(jobType, outcome string) {
	c.jobsProcessed.WithLabelValues(jobType, outcome).Inc()
}

// SetQueueDepth sets the current depth of a job queue
func (c *Collector) SetQueueDepth(queue string, depth int64) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// IncActiveStreams increments connected stream clients
func (c *Collector) IncActiveStreams() {
	c.activeStreams.Inc()
}

// DecActiveStreams decrements connected stream clients
func (c *Collector) DecActiveStreams() {
	c.activeStreams.Dec()
}

// RecordEventsDropped records events dropped on subscriber overflow
func (c *Collector) RecordEventsDropped(count int) {
	c.eventsDropped.Add(float64(count))
}

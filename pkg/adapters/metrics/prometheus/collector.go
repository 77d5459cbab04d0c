package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus.
type Collector struct {
	tasksSubmitted  *prometheus.CounterVec
	tasksDispatched *prometheus.CounterVec
	tasksCompleted  *prometheus.CounterVec
	redispatches    *prometheus.CounterVec

	executionDuration *prometheus.HistogramVec
	queueWaitTime     prometheus.Histogram

	queueDepth   prometheus.Gauge
	workerActive *prometheus.GaugeVec
	workerHealth *prometheus.GaugeVec
	workerState  *prometheus.GaugeVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector() *Collector {
	return &Collector{
		tasksSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agyc_tasks_submitted_total",
				Help: "Total number of task submissions by admission status",
			},
			[]string{"status"},
		),
		tasksDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agyc_tasks_dispatched_total",
				Help: "Total number of routing decisions by worker and policy",
			},
			[]string{"worker", "policy"},
		),
		tasksCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agyc_tasks_completed_total",
				Help: "Total number of terminal task outcomes by worker and status",
			},
			[]string{"worker", "status"},
		),
		redispatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agyc_task_redispatches_total",
				Help: "Total number of failed tasks re-queued for another worker",
			},
			[]string{"worker"},
		),
		executionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agyc_task_execution_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"worker"},
		),
		queueWaitTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agyc_task_queue_wait_seconds",
				Help:    "Time from submission to worker hand-off in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
			},
		),
		queueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agyc_queue_depth",
				Help: "Current global queue depth",
			},
		),
		workerActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agyc_worker_active_tasks",
				Help: "Current in-flight tasks per worker",
			},
			[]string{"worker"},
		),
		workerHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agyc_worker_health_score",
				Help: "Current health score per worker in [0,1]",
			},
			[]string{"worker"},
		),
		workerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agyc_worker_state",
				Help: "Worker lifecycle state, 1 for the current state and 0 otherwise",
			},
			[]string{"worker", "state"},
		),
	}
}

// RecordSubmitted records an admission decision.
func (c *Collector) RecordSubmitted(status string) {
	c.tasksSubmitted.WithLabelValues(status).Inc()
}

// RecordDispatched records a routing decision.
func (c *Collector) RecordDispatched(workerID, policy string) {
	c.tasksDispatched.WithLabelValues(workerID, policy).Inc()
}

// RecordCompleted records a terminal task outcome.
func (c *Collector) RecordCompleted(workerID, status string, duration time.Duration) {
	c.tasksCompleted.WithLabelValues(workerID, status).Inc()
	if duration > 0 {
		c.executionDuration.WithLabelValues(workerID).Observe(duration.Seconds())
	}
}

// RecordQueueWait records submission-to-hand-off latency.
func (c *Collector) RecordQueueWait(duration time.Duration) {
	c.queueWaitTime.Observe(duration.Seconds())
}

// RecordRedispatch records a failed task being re-queued.
func (c *Collector) RecordRedispatch(workerID string) {
	c.redispatches.WithLabelValues(workerID).Inc()
}

// SetQueueDepth updates the global queue depth gauge.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetWorkerActive updates a worker's in-flight gauge.
func (c *Collector) SetWorkerActive(workerID string, active int) {
	c.workerActive.WithLabelValues(workerID).Set(float64(active))
}

// SetWorkerHealth updates a worker's health score gauge.
func (c *Collector) SetWorkerHealth(workerID string, score float64) {
	c.workerHealth.WithLabelValues(workerID).Set(score)
}

// SetWorkerState flips the state gauge family so exactly one state is 1.
func (c *Collector) SetWorkerState(workerID, state string) {
	for _, s := range []string{"starting", "healthy", "degraded", "unhealthy", "recovering", "stopped"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.workerState.WithLabelValues(workerID, s).Set(v)
	}
}

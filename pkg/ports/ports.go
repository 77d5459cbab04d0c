package ports

import (
	"context"
	"encoding/json"
	"time"
)

// Session is the execution backend contract consumed by the dispatcher.
// A session wraps one independent execution identity (an account); how it
// runs a task (subprocess, API call, stub) is the backend's concern,
// including any internal per-attempt retries.
type Session interface {
	// Start brings the backend up. Called once per worker before dispatch.
	Start(ctx context.Context) error

	// Stop tears the backend down. Safe to call on a stopped session.
	Stop(ctx context.Context) error

	// IsHealthy is a lightweight local liveness check, distinct from the
	// dispatcher's own outcome-based health tracking.
	IsHealthy(ctx context.Context) bool

	// Execute runs one task payload to completion. Implementations must
	// honor ctx cancellation as the cooperative cancellation signal.
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// EventsTopic is the bus topic all dispatcher lifecycle events go to.
const EventsTopic = "dispatcher.events"

// EventType identifies a dispatcher lifecycle event.
type EventType string

const (
	EventTaskDispatched     EventType = "task.dispatched"
	EventTaskCompleted      EventType = "task.completed"
	EventTaskFailed         EventType = "task.failed"
	EventTaskCancelled      EventType = "task.cancelled"
	EventWorkerStateChanged EventType = "worker.state_changed"
)

// Event is a dispatcher lifecycle notification published on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventHandler processes a single event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus distributes dispatcher events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// MetricsCollector aggregates dispatcher counters, latencies and gauges.
type MetricsCollector interface {
	RecordSubmitted(status string)
	RecordDispatched(workerID, policy string)
	RecordCompleted(workerID, status string, duration time.Duration)
	RecordQueueWait(duration time.Duration)
	RecordRedispatch(workerID string)
	SetQueueDepth(depth int)
	SetWorkerActive(workerID string, active int)
	SetWorkerHealth(workerID string, score float64)
	SetWorkerState(workerID, state string)
}

// TaskRecord is the terminal record of a task kept for introspection.
// Only completed tasks are archived; queued tasks are never persisted.
type TaskRecord struct {
	TaskID      string          `json:"task_id"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Latency     time.Duration   `json:"latency_ns"`
	Attempts    int             `json:"attempts"`
}

// HistoryStore archives terminal task records.
type HistoryStore interface {
	Save(ctx context.Context, record TaskRecord) error
	Get(ctx context.Context, taskID string) (*TaskRecord, error)
}

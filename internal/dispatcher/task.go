package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Hint carries optional per-task routing preferences: a policy name and/or
// a preferred worker id. Either may be empty.
type Hint struct {
	Policy   string `json:"policy,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

// Outcome is the terminal result of a task. Exactly one Outcome is delivered
// per submitted task.
type Outcome struct {
	Result   json.RawMessage
	Err      error
	WorkerID string
}

// Task is one unit of work flowing through the dispatcher. A task is owned
// by exactly one goroutine at a time: the submitter until enqueued, the
// dispatcher loop until handed to a worker, then that worker's executor.
type Task struct {
	ID          string
	Payload     json.RawMessage
	SubmittedAt time.Time
	Deadline    time.Time // zero means no deadline
	Hint        Hint

	result    chan Outcome
	resolved  atomic.Bool
	cancelled atomic.Bool
	cancelCh  chan struct{}
	cancelOne sync.Once

	attempts     int // dispatch attempts, touched only by the dispatcher loop
	redispatches int // failed executions re-queued, touched only by the owning executor
}

func newTask(payload json.RawMessage, deadline time.Time, hint Hint) *Task {
	return &Task{
		ID:          "task_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		Payload:     payload,
		SubmittedAt: time.Now(),
		Deadline:    deadline,
		Hint:        hint,
		result:      make(chan Outcome, 1),
		cancelCh:    make(chan struct{}),
	}
}

// resolve delivers the task's outcome. Returns false if the task was already
// resolved; every exit path funnels through here so the outcome is delivered
// exactly once.
func (t *Task) resolve(o Outcome) bool {
	if !t.resolved.CompareAndSwap(false, true) {
		return false
	}
	t.result <- o
	return true
}

// cancel marks the task cancelled and signals any in-flight execution.
func (t *Task) cancel() {
	t.cancelled.Store(true)
	t.cancelOne.Do(func() { close(t.cancelCh) })
}

// Cancelled reports whether the task has been cancelled.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Expired reports whether the task's deadline has passed.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// Wait blocks until the task resolves or ctx is done.
func (t *Task) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case o := <-t.result:
		if o.Err != nil {
			return nil, o.Err
		}
		return o.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

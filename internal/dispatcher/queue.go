package dispatcher

import "context"

// globalQueue is the bounded FIFO admission gate in front of the router.
// Enqueue never blocks: beyond capacity the caller gets ErrCapacityExceeded.
// Cancellation is lazy; a cancelled task stays in place and is skipped by the
// dispatcher loop, so ordering of the remaining tasks is untouched.
type globalQueue struct {
	tasks chan *Task
	max   int
}

func newGlobalQueue(max int) *globalQueue {
	return &globalQueue{
		tasks: make(chan *Task, max),
		max:   max,
	}
}

// Enqueue admits a task or rejects it when the queue is at capacity.
func (q *globalQueue) Enqueue(t *Task) error {
	select {
	case q.tasks <- t:
		return nil
	default:
		return ErrCapacityExceeded
	}
}

// Dequeue blocks until a task is available or ctx is done. The dispatcher
// loop is the only consumer.
func (q *globalQueue) Dequeue(ctx context.Context) (*Task, bool) {
	select {
	case t := <-q.tasks:
		return t, true
	case <-ctx.Done():
		return nil, false
	}
}

// TryDequeue is the non-blocking variant used while draining at shutdown.
func (q *globalQueue) TryDequeue() (*Task, bool) {
	select {
	case t := <-q.tasks:
		return t, true
	default:
		return nil, false
	}
}

// Depth returns the current number of queued tasks.
func (q *globalQueue) Depth() int {
	return len(q.tasks)
}

// Max returns the queue capacity.
func (q *globalQueue) Max() int {
	return q.max
}

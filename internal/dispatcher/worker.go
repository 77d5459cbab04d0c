package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/businessdeveloper69/agyc/pkg/ports"
)

// WorkerSpec is the static configuration of one worker.
type WorkerSpec struct {
	ID               string
	ConcurrencyLimit int
	RoutingWeight    float64
}

// WorkerSession pairs a worker's spec with its execution backend.
type WorkerSession struct {
	Spec    WorkerSpec
	Session ports.Session
}

// worker owns one session's bounded local queue, its executor pool and its
// concurrency accounting. activeCount is only incremented by the dispatcher
// loop (slot reservation) and decremented by this worker's own executors
// (release), so no pool-wide lock is ever involved.
type worker struct {
	spec    WorkerSpec
	session ports.Session
	health  *healthTracker
	d       *Dispatcher

	tasks        chan *Task
	active       atomic.Int32
	lastDispatch atomic.Int64 // unix nanos of the last slot reservation

	cancel context.CancelFunc
}

func (d *Dispatcher) newWorker(ws WorkerSession) *worker {
	queueSize := d.cfg.WorkerQueueSize
	if queueSize < ws.Spec.ConcurrencyLimit {
		queueSize = ws.Spec.ConcurrencyLimit
	}
	w := &worker{
		spec:    ws.Spec,
		session: ws.Session,
		d:       d,
		tasks:   make(chan *Task, queueSize),
	}
	w.health = newHealthTracker(
		d.cfg.DegradedThreshold,
		d.cfg.UnhealthyThreshold,
		d.cfg.RecoveryRampSteps,
		func(from, to WorkerState) { d.onWorkerStateChange(w, from, to) },
	)
	return w
}

// start launches the executor pool, one goroutine per concurrency slot.
func (w *worker) start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.spec.ConcurrencyLimit; i++ {
		w.d.workerWg.Add(1)
		go w.runExecutor(ctx)
	}
}

// reserve claims one concurrency slot. It is called only from the dispatcher
// loop; the CAS guards against the effective limit shrinking between the
// eligibility snapshot and the claim.
func (w *worker) reserve() bool {
	limit := int32(w.health.EffectiveLimit(w.spec.ConcurrencyLimit))
	for {
		cur := w.active.Load()
		if cur >= limit {
			return false
		}
		if w.active.CompareAndSwap(cur, cur+1) {
			w.lastDispatch.Store(time.Now().UnixNano())
			w.d.metrics.SetWorkerActive(w.spec.ID, int(cur+1))
			return true
		}
	}
}

// release returns a reserved slot. A release that was never paired with a
// reservation means this worker's accounting is corrupted; the worker is
// stopped rather than allowed to keep running with bad numbers.
func (w *worker) release() {
	n := w.active.Add(-1)
	if n < 0 {
		w.fatal("slot released without matching reservation")
		return
	}
	w.d.metrics.SetWorkerActive(w.spec.ID, int(n))
}

// fatal stops this worker permanently, leaving the rest of the pool running.
func (w *worker) fatal(reason string) {
	w.d.logger.Error("worker accounting violation, stopping worker",
		zap.String("worker_id", w.spec.ID),
		zap.String("reason", reason))
	w.health.MarkStopped()
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *worker) runExecutor(ctx context.Context) {
	defer w.d.workerWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			w.execute(ctx, t)
		}
	}
}

// execute runs one task against the session. The reserved slot is released
// exactly once on every path, including cancellation and timeout.
func (w *worker) execute(ctx context.Context, t *Task) {
	defer w.release()

	if t.Cancelled() {
		w.d.finish(t, w.spec.ID, nil, ErrCancelled, 0)
		return
	}

	execCtx := ctx
	var cancelExec context.CancelFunc
	if !t.Deadline.IsZero() {
		execCtx, cancelExec = context.WithDeadline(ctx, t.Deadline)
	} else if w.d.cfg.TaskTimeout > 0 {
		execCtx, cancelExec = context.WithTimeout(ctx, w.d.cfg.TaskTimeout)
	} else {
		execCtx, cancelExec = context.WithCancel(ctx)
	}
	defer cancelExec()

	// Propagate caller-initiated cancellation into the in-flight call.
	go func() {
		select {
		case <-t.cancelCh:
			cancelExec()
		case <-execCtx.Done():
		}
	}()

	start := time.Now()
	result, err := w.session.Execute(execCtx, t.Payload)
	duration := time.Since(start)

	if err == nil {
		w.health.RecordSuccess()
		w.reportHealth()
		w.d.finish(t, w.spec.ID, result, nil, duration)
		return
	}

	// A cancelled or timed-out execution counts as a failure for health
	// tracking; the slot release above is unaffected.
	w.health.RecordFailure()
	w.reportHealth()

	if t.Cancelled() {
		w.d.finish(t, w.spec.ID, nil, ErrCancelled, duration)
		return
	}

	execErr := &ExecutionError{WorkerID: w.spec.ID, Cause: err}
	if w.d.maybeRedispatch(t, w.spec.ID, duration) {
		return
	}
	w.d.finish(t, w.spec.ID, nil, execErr, duration)
}

func (w *worker) reportHealth() {
	snap := w.health.Snapshot()
	w.d.metrics.SetWorkerHealth(w.spec.ID, snap.Score)
}

// eligible returns a routing candidate if the worker can accept a task now.
func (w *worker) eligible() (Candidate, bool) {
	if !w.health.Eligible() {
		return Candidate{}, false
	}
	limit := w.health.EffectiveLimit(w.spec.ConcurrencyLimit)
	active := int(w.active.Load())
	if active >= limit {
		return Candidate{}, false
	}
	return Candidate{
		ID:           w.spec.ID,
		Active:       active,
		Limit:        limit,
		Weight:       w.spec.RoutingWeight,
		Score:        w.health.Snapshot().Score,
		LastDispatch: time.Unix(0, w.lastDispatch.Load()),
	}, true
}

// WorkerSnapshot is the per-worker introspection view.
type WorkerSnapshot struct {
	ID                  string      `json:"id"`
	State               WorkerState `json:"state"`
	ActiveCount         int         `json:"active_count"`
	ConcurrencyLimit    int         `json:"concurrency_limit"`
	EffectiveLimit      int         `json:"effective_limit"`
	HealthScore         float64     `json:"health_score"`
	SuccessRate         float64     `json:"success_rate"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastOutcomeAt       time.Time   `json:"last_outcome_at"`
}

func (w *worker) snapshot() WorkerSnapshot {
	h := w.health.Snapshot()
	rate := 1.0
	if total := h.Successes + h.Failures; total > 0 {
		rate = float64(h.Successes) / float64(total)
	}
	return WorkerSnapshot{
		ID:                  w.spec.ID,
		State:               h.State,
		ActiveCount:         int(w.active.Load()),
		ConcurrencyLimit:    w.spec.ConcurrencyLimit,
		EffectiveLimit:      w.health.EffectiveLimit(w.spec.ConcurrencyLimit),
		HealthScore:         h.Score,
		SuccessRate:         rate,
		ConsecutiveFailures: h.ConsecutiveFailures,
		LastOutcomeAt:       h.LastOutcomeAt,
	}
}

package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/businessdeveloper69/agyc/pkg/ports"
)

// RedispatchConfig bounds automatic re-routing of failed tasks. Disabled by
// default: tasks may be non-idempotent.
type RedispatchConfig struct {
	Enabled     bool
	MaxAttempts int
}

// Config holds the dispatcher parameters.
type Config struct {
	MaxQueueSize        int
	WorkerQueueSize     int
	DefaultPolicy       string
	DegradedThreshold   float64
	UnhealthyThreshold  int
	ProbeInterval       time.Duration
	RecoveryRampSteps   int
	MaxDispatchAttempts int
	DispatchRetryDelay  time.Duration
	TaskTimeout         time.Duration
	Redispatch          RedispatchConfig
}

func (c *Config) normalize() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 200
	}
	if c.WorkerQueueSize <= 0 {
		c.WorkerQueueSize = 50
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = PolicyRoundRobin
	}
	c.DefaultPolicy = normalizePolicyName(c.DefaultPolicy)
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 0.5
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.RecoveryRampSteps <= 0 {
		c.RecoveryRampSteps = 3
	}
	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = 5
	}
	if c.DispatchRetryDelay <= 0 {
		c.DispatchRetryDelay = 100 * time.Millisecond
	}
	if c.Redispatch.Enabled && c.Redispatch.MaxAttempts <= 0 {
		c.Redispatch.MaxAttempts = 2
	}
}

// SubmitOptions are the optional parts of a submission.
type SubmitOptions struct {
	Deadline time.Time
	Hint     Hint
}

// Dispatcher routes inbound tasks to capacity-bounded worker sessions. One
// dispatcher loop owns the global queue; each worker runs its own executor
// pool sized to its concurrency limit.
type Dispatcher struct {
	cfg      Config
	queue    *globalQueue
	workers  map[string]*worker
	roster   []string
	policies map[string]Policy

	pending sync.Map // task id -> *Task, until terminal

	eventBus ports.EventBus
	history  ports.HistoryStore
	metrics  ports.MetricsCollector
	logger   *zap.Logger

	loopCancel    context.CancelFunc
	workersCancel context.CancelFunc
	loopWg        sync.WaitGroup
	workerWg      sync.WaitGroup

	started bool
	mu      sync.Mutex
}

// New builds a dispatcher over the given worker sessions. Sessions are not
// started until Start is called.
func New(
	cfg Config,
	sessions []WorkerSession,
	eventBus ports.EventBus,
	history ports.HistoryStore,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) (*Dispatcher, error) {
	cfg.normalize()

	if len(sessions) == 0 {
		return nil, fmt.Errorf("at least one worker is required")
	}
	if err := validatePolicyName(cfg.DefaultPolicy); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		queue:    newGlobalQueue(cfg.MaxQueueSize),
		workers:  make(map[string]*worker, len(sessions)),
		eventBus: eventBus,
		history:  history,
		metrics:  metrics,
		logger:   logger,
	}

	for _, ws := range sessions {
		if ws.Spec.ID == "" {
			return nil, fmt.Errorf("worker id is required")
		}
		if _, dup := d.workers[ws.Spec.ID]; dup {
			return nil, fmt.Errorf("duplicate worker id: %s", ws.Spec.ID)
		}
		if ws.Spec.ConcurrencyLimit < 1 {
			return nil, fmt.Errorf("worker %s: concurrency limit must be at least 1", ws.Spec.ID)
		}
		if ws.Session == nil {
			return nil, fmt.Errorf("worker %s: session is required", ws.Spec.ID)
		}
		d.workers[ws.Spec.ID] = d.newWorker(ws)
		d.roster = append(d.roster, ws.Spec.ID)
	}
	sort.Strings(d.roster)
	d.policies = newPolicies(d.roster)

	return d, nil
}

// Start brings up all sessions, the executor pools, the dispatcher loop and
// the recovery prober. A worker whose session fails to start is marked
// unhealthy and left to the prober; Start only fails when no worker at all
// came up.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	d.mu.Unlock()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	workersCtx, workersCancel := context.WithCancel(context.Background())
	d.loopCancel = loopCancel
	d.workersCancel = workersCancel

	healthy := 0
	for _, id := range d.roster {
		w := d.workers[id]
		if err := w.session.Start(ctx); err != nil {
			d.logger.Error("session failed to start",
				zap.String("worker_id", id),
				zap.Error(err))
			w.health.MarkUnhealthy()
		} else {
			w.health.MarkHealthy()
			healthy++
		}
		w.start(workersCtx)
	}
	if healthy == 0 {
		d.logger.Warn("no worker session started healthy; relying on recovery probes")
	}

	d.loopWg.Add(2)
	go d.run(loopCtx)
	go d.probeLoop(loopCtx)

	d.logger.Info("dispatcher started",
		zap.Int("workers", len(d.workers)),
		zap.Int("healthy_workers", healthy),
		zap.String("default_policy", d.cfg.DefaultPolicy),
		zap.Int("max_queue_size", d.cfg.MaxQueueSize))
	return nil
}

// Shutdown drains the dispatcher: the loop stops pulling, worker queues are
// closed and executors finish what they hold, then sessions are stopped.
// Tasks still queued globally resolve as cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down dispatcher")

	d.loopCancel()
	d.loopWg.Wait()

	// The loop has exited, so nobody sends to worker queues anymore.
	for _, w := range d.workers {
		close(w.tasks)
	}

	done := make(chan struct{})
	go func() {
		d.workerWg.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
	case <-ctx.Done():
		d.workersCancel()
		shutdownErr = fmt.Errorf("shutdown timeout: in-flight executions cancelled")
		<-done
	}
	d.workersCancel()

	for {
		t, ok := d.queue.TryDequeue()
		if !ok {
			break
		}
		d.finish(t, "", nil, ErrCancelled, 0)
	}

	for _, id := range d.roster {
		w := d.workers[id]
		w.health.MarkStopped()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.session.Stop(stopCtx); err != nil {
			d.logger.Error("session stop failed",
				zap.String("worker_id", id),
				zap.Error(err))
		}
		cancel()
	}

	d.logger.Info("dispatcher shut down complete")
	return shutdownErr
}

// Submit admits a task into the global queue. It returns immediately with
// the task handle; use Task.Wait or SubmitWait for the outcome.
func (d *Dispatcher) Submit(payload json.RawMessage, opts SubmitOptions) (*Task, error) {
	t := newTask(payload, opts.Deadline, opts.Hint)

	if err := d.queue.Enqueue(t); err != nil {
		d.metrics.RecordSubmitted("rejected")
		return nil, err
	}
	d.pending.Store(t.ID, t)
	d.metrics.RecordSubmitted("accepted")
	d.metrics.SetQueueDepth(d.queue.Depth())
	return t, nil
}

// SubmitWait submits a task and blocks until it resolves or ctx is done.
func (d *Dispatcher) SubmitWait(ctx context.Context, payload json.RawMessage, opts SubmitOptions) (json.RawMessage, error) {
	t, err := d.Submit(payload, opts)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

// Cancel cancels a pending task. A task still queued never reaches a worker;
// an in-flight task receives the cooperative cancellation signal and resolves
// as cancelled once its session call returns.
func (d *Dispatcher) Cancel(taskID string) error {
	v, ok := d.pending.Load(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	t := v.(*Task)
	t.cancel()
	// If the task has not been handed to an executor yet, resolve it now so
	// the caller unblocks; executors resolve in-flight ones themselves.
	d.finish(t, "", nil, ErrCancelled, 0)
	return nil
}

// GlobalSnapshot is the introspection view of the whole dispatcher.
type GlobalSnapshot struct {
	QueueDepth   int              `json:"queue_depth"`
	MaxQueueSize int              `json:"max_queue_size"`
	Workers      []WorkerSnapshot `json:"workers"`
}

// Snapshot returns the current queue depth and per-worker stats.
func (d *Dispatcher) Snapshot() GlobalSnapshot {
	snap := GlobalSnapshot{
		QueueDepth:   d.queue.Depth(),
		MaxQueueSize: d.queue.Max(),
		Workers:      make([]WorkerSnapshot, 0, len(d.workers)),
	}
	for _, id := range d.roster {
		snap.Workers = append(snap.Workers, d.workers[id].snapshot())
	}
	return snap
}

// run is the dispatcher loop: the single consumer of the global queue.
func (d *Dispatcher) run(ctx context.Context) {
	defer d.loopWg.Done()

	for {
		t, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		d.metrics.SetQueueDepth(d.queue.Depth())

		if t.Cancelled() {
			d.finish(t, "", nil, ErrCancelled, 0)
			continue
		}
		if t.Expired(time.Now()) {
			d.finish(t, "", nil, ErrQueueTimeout, 0)
			continue
		}
		d.dispatch(ctx, t)
	}
}

// dispatch selects a worker, reserves a slot and hands the task over,
// retrying with a short backoff while no worker is eligible. Attempts are
// bounded; exhaustion fails the task with ErrNoEligibleWorker.
func (d *Dispatcher) dispatch(ctx context.Context, t *Task) {
	for t.attempts = 0; t.attempts < d.cfg.MaxDispatchAttempts; t.attempts++ {
		if t.Cancelled() {
			d.finish(t, "", nil, ErrCancelled, 0)
			return
		}
		if t.Expired(time.Now()) {
			d.finish(t, "", nil, ErrQueueTimeout, 0)
			return
		}

		if id, ok := d.trySelect(t); ok {
			d.handOff(t, id)
			return
		}

		timer := time.NewTimer(d.cfg.DispatchRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.finish(t, "", nil, ErrCancelled, 0)
			return
		case <-timer.C:
		}
	}
	d.finish(t, "", nil, ErrNoEligibleWorker, 0)
}

// trySelect performs one routing decision. Selection and slot reservation
// are back to back in the single dispatcher loop, so no two decisions can
// claim the same last slot.
func (d *Dispatcher) trySelect(t *Task) (string, bool) {
	candidates := d.eligibleCandidates()
	if len(candidates) == 0 {
		return "", false
	}

	// A preferred-worker hint wins when that worker can take the task.
	if t.Hint.WorkerID != "" {
		for _, c := range candidates {
			if c.ID == t.Hint.WorkerID && d.workers[c.ID].reserve() {
				d.recordDecision(t, c.ID, "preferred")
				return c.ID, true
			}
		}
	}

	policy := d.resolvePolicy(t.Hint)
	id, err := policy.Select(t, candidates)
	if err != nil {
		return "", false
	}
	if !d.workers[id].reserve() {
		return "", false
	}
	d.recordDecision(t, id, policy.Name())
	return id, true
}

func (d *Dispatcher) recordDecision(t *Task, workerID, policy string) {
	decision := RoutingDecision{
		TaskID:    t.ID,
		WorkerID:  workerID,
		Policy:    policy,
		DecidedAt: time.Now(),
	}
	d.metrics.RecordDispatched(workerID, policy)
	d.logger.Debug("routing decision",
		zap.String("task_id", decision.TaskID),
		zap.String("worker_id", decision.WorkerID),
		zap.String("policy", decision.Policy))
}

// handOff moves a task with a reserved slot onto the worker's local queue.
func (d *Dispatcher) handOff(t *Task, workerID string) {
	w := d.workers[workerID]
	select {
	case w.tasks <- t:
		d.metrics.RecordQueueWait(time.Since(t.SubmittedAt))
		d.publishEvent(ports.EventTaskDispatched, t.ID, workerID, nil)
	default:
		// Reservation bounds in-worker tasks to the local queue size, so a
		// full queue here means accounting is broken for this worker.
		w.release()
		w.fatal("local queue full despite slot reservation")
		d.finish(t, workerID, nil, ErrNoEligibleWorker, 0)
	}
}

func (d *Dispatcher) eligibleCandidates() []Candidate {
	candidates := make([]Candidate, 0, len(d.roster))
	for _, id := range d.roster {
		if c, ok := d.workers[id].eligible(); ok {
			candidates = append(candidates, c)
		}
	}
	return candidates
}

// maybeRedispatch re-queues a failed task when the redispatch policy allows
// it. Each attempt is recorded distinctly in metrics.
func (d *Dispatcher) maybeRedispatch(t *Task, workerID string, duration time.Duration) bool {
	if !d.cfg.Redispatch.Enabled {
		return false
	}
	if t.redispatches >= d.cfg.Redispatch.MaxAttempts {
		return false
	}
	if t.Cancelled() || t.Expired(time.Now()) {
		return false
	}
	if err := d.queue.Enqueue(t); err != nil {
		return false
	}
	t.redispatches++
	d.metrics.RecordRedispatch(workerID)
	d.metrics.RecordCompleted(workerID, "redispatched", duration)
	d.publishEvent(ports.EventTaskFailed, t.ID, workerID, map[string]interface{}{
		"redispatch": true,
		"attempt":    t.redispatches,
	})
	d.logger.Warn("task redispatched after failure",
		zap.String("task_id", t.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", t.redispatches))
	return true
}

// finish resolves a task exactly once and records the terminal outcome in
// metrics, events and the history store. Losing the resolve race (the task
// already completed or was cancelled elsewhere) is a no-op.
func (d *Dispatcher) finish(t *Task, workerID string, result json.RawMessage, err error, duration time.Duration) {
	if !t.resolve(Outcome{Result: result, Err: err, WorkerID: workerID}) {
		return
	}
	d.pending.Delete(t.ID)

	status := statusOf(err)
	d.metrics.RecordCompleted(workerID, status, duration)

	eventType := ports.EventTaskCompleted
	var data map[string]interface{}
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		eventType = ports.EventTaskCancelled
	default:
		eventType = ports.EventTaskFailed
		data = map[string]interface{}{"error": err.Error()}
	}
	d.publishEvent(eventType, t.ID, workerID, data)

	record := ports.TaskRecord{
		TaskID:      t.ID,
		WorkerID:    workerID,
		Status:      status,
		Result:      result,
		SubmittedAt: t.SubmittedAt,
		CompletedAt: time.Now(),
		Latency:     duration,
		Attempts:    t.redispatches + 1,
	}
	if err != nil {
		record.Error = err.Error()
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if saveErr := d.history.Save(saveCtx, record); saveErr != nil {
		d.logger.Error("failed to archive task record",
			zap.String("task_id", t.ID),
			zap.Error(saveErr))
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrQueueTimeout):
		return "queue_timeout"
	case errors.Is(err, ErrNoEligibleWorker):
		return "no_eligible_worker"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "execution_failed"
	}
}

func (d *Dispatcher) onWorkerStateChange(w *worker, from, to WorkerState) {
	d.logger.Info("worker state changed",
		zap.String("worker_id", w.spec.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	d.metrics.SetWorkerState(w.spec.ID, string(to))
	d.publishEvent(ports.EventWorkerStateChanged, "", w.spec.ID, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
}

func (d *Dispatcher) publishEvent(eventType ports.EventType, taskID, workerID string, data map[string]interface{}) {
	event := ports.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TaskID:    taskID,
		WorkerID:  workerID,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.eventBus.Publish(ctx, ports.EventsTopic, event); err != nil {
		d.logger.Error("failed to publish event",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

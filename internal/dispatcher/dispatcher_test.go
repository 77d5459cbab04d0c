package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	eventsmemory "github.com/businessdeveloper69/agyc/pkg/adapters/events/memory"
	historymemory "github.com/businessdeveloper69/agyc/pkg/adapters/history/memory"
	"github.com/businessdeveloper69/agyc/pkg/adapters/metrics/noop"
)

// stubSession is a scriptable in-memory execution backend. It tracks how many
// executions ran and the peak concurrency it observed.
type stubSession struct {
	healthy  atomic.Bool
	startErr error
	execFn   func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

	execCount atomic.Int32
	cur       atomic.Int32
	peak      atomic.Int32
}

func newStubSession() *stubSession {
	s := &stubSession{}
	s.healthy.Store(true)
	return s
}

func (s *stubSession) Start(ctx context.Context) error    { return s.startErr }
func (s *stubSession) Stop(ctx context.Context) error     { return nil }
func (s *stubSession) IsHealthy(ctx context.Context) bool { return s.healthy.Load() }

func (s *stubSession) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	s.execCount.Add(1)
	cur := s.cur.Add(1)
	for {
		p := s.peak.Load()
		if cur <= p || s.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	defer s.cur.Add(-1)

	if s.execFn != nil {
		return s.execFn(ctx, payload)
	}
	return payload, nil
}

func testConfig() Config {
	return Config{
		MaxQueueSize:        10,
		WorkerQueueSize:     10,
		DegradedThreshold:   0.5,
		UnhealthyThreshold:  3,
		ProbeInterval:       time.Hour, // tests that need probes override this
		RecoveryRampSteps:   3,
		MaxDispatchAttempts: 1000,
		DispatchRetryDelay:  5 * time.Millisecond,
	}
}

func newTestDispatcher(t *testing.T, cfg Config, sessions ...WorkerSession) *Dispatcher {
	t.Helper()

	d, err := New(cfg, sessions, eventsmemory.NewEventBus(), historymemory.NewHistoryStore(0), noop.NewCollector(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func workerSession(id string, limit int, s *stubSession) WorkerSession {
	return WorkerSession{
		Spec:    WorkerSpec{ID: id, ConcurrencyLimit: limit, RoutingWeight: 1},
		Session: s,
	}
}

func TestDispatcherSaturation(t *testing.T) {
	gate := make(chan struct{})
	blocked := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		select {
		case <-gate:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sessA := newStubSession()
	sessA.execFn = blocked
	sessB := newStubSession()
	sessB.execFn = blocked

	cfg := testConfig()
	cfg.MaxQueueSize = 2
	cfg.DefaultPolicy = PolicyRoundRobin
	d := newTestDispatcher(t, cfg,
		workerSession("acct-a", 2, sessA),
		workerSession("acct-b", 2, sessB))

	payload := json.RawMessage(`{"n":1}`)

	var accepted []*Task
	for i := 0; i < 4; i++ {
		task, err := d.Submit(payload, SubmitOptions{})
		if err != nil {
			t.Fatal(err)
		}
		accepted = append(accepted, task)
	}
	waitFor(t, 2*time.Second, func() bool {
		return sessA.cur.Load()+sessB.cur.Load() == 4
	}, "4 tasks in flight across both workers")

	// Every slot is held, so further submissions pile up in the global queue
	// until it rejects.
	overflowed := false
	for i := 0; i < 20 && !overflowed; i++ {
		task, err := d.Submit(payload, SubmitOptions{})
		if errors.Is(err, ErrCapacityExceeded) {
			overflowed = true
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		accepted = append(accepted, task)
	}
	if !overflowed {
		t.Fatal("expected ErrCapacityExceeded once the queue filled")
	}

	close(gate)
	for _, task := range accepted {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := task.Wait(ctx); err != nil {
			t.Fatalf("task %s failed: %v", task.ID, err)
		}
		cancel()
	}

	if p := sessA.peak.Load(); p > 2 {
		t.Fatalf("worker acct-a exceeded its concurrency limit: peak %d", p)
	}
	if p := sessB.peak.Load(); p > 2 {
		t.Fatalf("worker acct-b exceeded its concurrency limit: peak %d", p)
	}
}

func TestDispatcherQueueTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	sess := newStubSession()
	sess.execFn = func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		select {
		case <-gate:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d := newTestDispatcher(t, testConfig(), workerSession("acct-a", 1, sess))

	if _, err := d.Submit(json.RawMessage(`{}`), SubmitOptions{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return sess.cur.Load() == 1 }, "first task in flight")

	second, err := d.Submit(json.RawMessage(`{}`), SubmitOptions{
		Deadline: time.Now().Add(60 * time.Millisecond),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := second.Wait(ctx); !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
	if got := sess.execCount.Load(); got != 1 {
		t.Fatalf("timed out task must never execute, exec count %d", got)
	}
}

func TestDispatcherCancel(t *testing.T) {
	t.Run("queued task never reaches a worker", func(t *testing.T) {
		gate := make(chan struct{})
		defer close(gate)

		sess := newStubSession()
		sess.execFn = func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			select {
			case <-gate:
				return payload, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		d := newTestDispatcher(t, testConfig(), workerSession("acct-a", 1, sess))

		if _, err := d.Submit(json.RawMessage(`{}`), SubmitOptions{}); err != nil {
			t.Fatal(err)
		}
		waitFor(t, 2*time.Second, func() bool { return sess.cur.Load() == 1 }, "first task in flight")

		queued, err := d.Submit(json.RawMessage(`{}`), SubmitOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if err := d.Cancel(queued.ID); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := queued.Wait(ctx); !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
		if got := sess.execCount.Load(); got != 1 {
			t.Fatalf("cancelled queued task must never execute, exec count %d", got)
		}
	})

	t.Run("in-flight task receives the cancellation signal", func(t *testing.T) {
		sess := newStubSession()
		sess.execFn = func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}

		d := newTestDispatcher(t, testConfig(), workerSession("acct-a", 1, sess))

		task, err := d.Submit(json.RawMessage(`{}`), SubmitOptions{})
		if err != nil {
			t.Fatal(err)
		}
		waitFor(t, 2*time.Second, func() bool { return sess.cur.Load() == 1 }, "task in flight")

		if err := d.Cancel(task.ID); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := task.Wait(ctx); !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		sess := newStubSession()
		d := newTestDispatcher(t, testConfig(), workerSession("acct-a", 1, sess))
		if err := d.Cancel("task_missing"); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
	})
}

func TestDispatcherUnhealthyAndRecovery(t *testing.T) {
	sess := newStubSession()
	sess.healthy.Store(false)
	var failing atomic.Bool
	failing.Store(true)
	sess.execFn = func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if failing.Load() {
			return nil, fmt.Errorf("backend exploded")
		}
		return payload, nil
	}

	cfg := testConfig()
	cfg.UnhealthyThreshold = 2
	cfg.RecoveryRampSteps = 1
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.MaxDispatchAttempts = 3
	d := newTestDispatcher(t, cfg, workerSession("acct-a", 2, sess))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := d.SubmitWait(ctx, json.RawMessage(`{}`), SubmitOptions{}); !errors.Is(err, ErrExecutionFailed) {
			t.Fatalf("expected ErrExecutionFailed, got %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return d.Snapshot().Workers[0].State == StateUnhealthy
	}, "worker unhealthy after consecutive failures")

	// With the only worker out of rotation, routing attempts exhaust.
	if _, err := d.SubmitWait(ctx, json.RawMessage(`{}`), SubmitOptions{}); !errors.Is(err, ErrNoEligibleWorker) {
		t.Fatalf("expected ErrNoEligibleWorker, got %v", err)
	}

	// The backend comes back; the prober should move the worker into the
	// recovery ramp.
	failing.Store(false)
	sess.healthy.Store(true)
	waitFor(t, 2*time.Second, func() bool {
		return d.Snapshot().Workers[0].State == StateRecovering
	}, "probe moved worker into recovering")

	if _, err := d.SubmitWait(ctx, json.RawMessage(`{}`), SubmitOptions{}); err != nil {
		t.Fatalf("execution during recovery failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return d.Snapshot().Workers[0].State == StateHealthy
	}, "worker healthy after the ramp")
}

func TestDispatcherExecutionFailure(t *testing.T) {
	sess := newStubSession()
	sess.execFn = func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("boom")
	}

	d := newTestDispatcher(t, testConfig(), workerSession("acct-a", 1, sess))

	_, err := d.SubmitWait(context.Background(), json.RawMessage(`{}`), SubmitOptions{})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("expected ErrExecutionFailed, got %v", err)
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %T", err)
	}
	if execErr.WorkerID != "acct-a" {
		t.Fatalf("expected failing worker id in the error, got %s", execErr.WorkerID)
	}
}

func TestDispatcherRedispatch(t *testing.T) {
	sessA := newStubSession()
	sessA.execFn = func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("boom")
	}
	sessB := newStubSession()

	cfg := testConfig()
	cfg.DefaultPolicy = PolicyRoundRobin
	cfg.Redispatch = RedispatchConfig{Enabled: true, MaxAttempts: 2}
	d := newTestDispatcher(t, cfg,
		workerSession("acct-a", 1, sessA),
		workerSession("acct-b", 1, sessB))

	// Round-robin sends the task to acct-a first; after the failure it is
	// re-queued and lands on acct-b.
	result, err := d.SubmitWait(context.Background(), json.RawMessage(`{"n":7}`), SubmitOptions{})
	if err != nil {
		t.Fatalf("expected redispatch to recover, got %v", err)
	}
	if string(result) != `{"n":7}` {
		t.Fatalf("unexpected result: %s", result)
	}
	if got := sessA.execCount.Load(); got != 1 {
		t.Fatalf("expected one failed execution on acct-a, got %d", got)
	}
	if got := sessB.execCount.Load(); got != 1 {
		t.Fatalf("expected one execution on acct-b, got %d", got)
	}
}

func TestDispatcherRedispatchBounded(t *testing.T) {
	sess := newStubSession()
	sess.execFn = func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("boom")
	}

	cfg := testConfig()
	cfg.UnhealthyThreshold = 100
	cfg.Redispatch = RedispatchConfig{Enabled: true, MaxAttempts: 2}
	d := newTestDispatcher(t, cfg, workerSession("acct-a", 1, sess))

	_, err := d.SubmitWait(context.Background(), json.RawMessage(`{}`), SubmitOptions{})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("expected ErrExecutionFailed after bounded redispatch, got %v", err)
	}
	// initial execution plus two redispatches
	if got := sess.execCount.Load(); got != 3 {
		t.Fatalf("expected 3 executions, got %d", got)
	}
}

func TestDispatcherPreferredWorkerHint(t *testing.T) {
	sessA := newStubSession()
	sessB := newStubSession()

	d := newTestDispatcher(t, testConfig(),
		workerSession("acct-a", 1, sessA),
		workerSession("acct-b", 1, sessB))

	for i := 0; i < 3; i++ {
		_, err := d.SubmitWait(context.Background(), json.RawMessage(`{}`), SubmitOptions{
			Hint: Hint{WorkerID: "acct-b"},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := sessA.execCount.Load(); got != 0 {
		t.Fatalf("preferred-worker hint ignored, acct-a executed %d tasks", got)
	}
	if got := sessB.execCount.Load(); got != 3 {
		t.Fatalf("expected 3 executions on acct-b, got %d", got)
	}
}

func TestDispatcherValidation(t *testing.T) {
	bus := eventsmemory.NewEventBus()
	store := historymemory.NewHistoryStore(0)
	metrics := noop.NewCollector()
	logger := zap.NewNop()

	t.Run("requires at least one worker", func(t *testing.T) {
		if _, err := New(testConfig(), nil, bus, store, metrics, logger); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects duplicate worker ids", func(t *testing.T) {
		_, err := New(testConfig(), []WorkerSession{
			workerSession("acct-a", 1, newStubSession()),
			workerSession("acct-a", 1, newStubSession()),
		}, bus, store, metrics, logger)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects a zero concurrency limit", func(t *testing.T) {
		_, err := New(testConfig(), []WorkerSession{
			workerSession("acct-a", 0, newStubSession()),
		}, bus, store, metrics, logger)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects a nil session", func(t *testing.T) {
		_, err := New(testConfig(), []WorkerSession{
			{Spec: WorkerSpec{ID: "acct-a", ConcurrencyLimit: 1}},
		}, bus, store, metrics, logger)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects an unknown default policy", func(t *testing.T) {
		cfg := testConfig()
		cfg.DefaultPolicy = "coin-flip"
		_, err := New(cfg, []WorkerSession{
			workerSession("acct-a", 1, newStubSession()),
		}, bus, store, metrics, logger)
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestDispatcherHistoryRecords(t *testing.T) {
	store := historymemory.NewHistoryStore(0)
	sess := newStubSession()

	d, err := New(testConfig(), []WorkerSession{workerSession("acct-a", 1, sess)},
		eventsmemory.NewEventBus(), store, noop.NewCollector(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	task, err := d.Submit(json.RawMessage(`{"n":1}`), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := task.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	record, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != "completed" || record.WorkerID != "acct-a" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestDispatcherShutdown(t *testing.T) {
	sess := newStubSession()
	d, err := New(testConfig(), []WorkerSession{workerSession("acct-a", 2, sess)},
		eventsmemory.NewEventBus(), historymemory.NewHistoryStore(0), noop.NewCollector(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := d.SubmitWait(context.Background(), json.RawMessage(`{}`), SubmitOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("graceful shutdown failed: %v", err)
	}
	if got := d.Snapshot().Workers[0].State; got != StateStopped {
		t.Fatalf("expected stopped after shutdown, got %s", got)
	}
}

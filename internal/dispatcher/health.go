package dispatcher

import (
	"sync"
	"time"
)

// WorkerState is a worker's position in the lifecycle state machine:
// Starting -> Healthy <-> Degraded -> Unhealthy -> Recovering -> Healthy,
// with Stopped terminal from any state.
type WorkerState string

const (
	StateStarting   WorkerState = "starting"
	StateHealthy    WorkerState = "healthy"
	StateDegraded   WorkerState = "degraded"
	StateUnhealthy  WorkerState = "unhealthy"
	StateRecovering WorkerState = "recovering"
	StateStopped    WorkerState = "stopped"
)

// consecutiveFailurePenalty is subtracted from the success-rate base per
// consecutive failure so the score reacts faster than the long-run rate.
const consecutiveFailurePenalty = 0.15

// HealthSnapshot is a point-in-time copy of a worker's health record.
type HealthSnapshot struct {
	State               WorkerState
	Successes           uint64
	Failures            uint64
	ConsecutiveFailures int
	LastOutcomeAt       time.Time
	Score               float64
}

// healthTracker keeps one worker's rolling outcome statistics and drives its
// state machine. It is mutated only by that worker's own executor and probe
// paths, so a per-worker mutex never contends across workers.
type healthTracker struct {
	degradedThreshold  float64
	unhealthyThreshold int
	rampSteps          int

	onStateChange func(from, to WorkerState)

	mu            sync.Mutex
	state         WorkerState
	successes     uint64
	failures      uint64
	consecutive   int
	rampSuccesses int
	lastOutcomeAt time.Time
}

func newHealthTracker(degradedThreshold float64, unhealthyThreshold, rampSteps int, onStateChange func(from, to WorkerState)) *healthTracker {
	if rampSteps < 1 {
		rampSteps = 1
	}
	return &healthTracker{
		degradedThreshold:  degradedThreshold,
		unhealthyThreshold: unhealthyThreshold,
		rampSteps:          rampSteps,
		onStateChange:      onStateChange,
		state:              StateStarting,
	}
}

// score recomputes the health score from the record. Deterministic: the same
// counters always yield the same score in [0,1]. Callers hold h.mu.
func (h *healthTracker) score() float64 {
	base := 1.0
	if total := h.successes + h.failures; total > 0 {
		base = float64(h.successes) / float64(total)
	}
	s := base - float64(h.consecutive)*consecutiveFailurePenalty
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func (h *healthTracker) transition(to WorkerState) {
	from := h.state
	if from == to || from == StateStopped {
		return
	}
	h.state = to
	if h.onStateChange != nil {
		h.onStateChange(from, to)
	}
}

// MarkHealthy moves a freshly started worker into rotation.
func (h *healthTracker) MarkHealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStarting {
		h.transition(StateHealthy)
	}
}

// MarkUnhealthy excludes the worker from routing, e.g. when its session
// failed to start.
func (h *healthTracker) MarkUnhealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transition(StateUnhealthy)
}

// MarkStopped is terminal; all later transitions are ignored.
func (h *healthTracker) MarkStopped() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transition(StateStopped)
}

// RecordSuccess registers a successful execution outcome.
func (h *healthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.successes++
	h.consecutive = 0
	h.lastOutcomeAt = time.Now()

	switch h.state {
	case StateRecovering:
		h.rampSuccesses++
		if h.rampSuccesses >= h.rampSteps {
			h.transition(StateHealthy)
		}
	case StateDegraded:
		if h.score() >= h.degradedThreshold {
			h.transition(StateHealthy)
		}
	}
}

// RecordFailure registers a failed (or cancelled) execution outcome.
func (h *healthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures++
	h.consecutive++
	h.lastOutcomeAt = time.Now()

	switch {
	case h.consecutive >= h.unhealthyThreshold:
		h.rampSuccesses = 0
		h.transition(StateUnhealthy)
	case h.state == StateRecovering:
		// A recovering worker gets no slack: any failure sends it back.
		h.rampSuccesses = 0
		h.transition(StateUnhealthy)
	case h.state == StateHealthy && h.score() < h.degradedThreshold:
		h.transition(StateDegraded)
	}
}

// ProbeSucceeded moves an unhealthy worker into the recovery ramp.
func (h *healthTracker) ProbeSucceeded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateUnhealthy {
		return
	}
	h.consecutive = 0
	h.rampSuccesses = 0
	h.transition(StateRecovering)
}

// State returns the current lifecycle state.
func (h *healthTracker) State() WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Eligible reports whether the worker may receive new tasks. Degraded
// workers stay in rotation; the health-weighted policy deprioritizes them.
func (h *healthTracker) Eligible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateHealthy, StateDegraded, StateRecovering:
		return true
	default:
		return false
	}
}

// EffectiveLimit returns the concurrency cap routing may use right now.
// During recovery capacity ramps up step by step to avoid a thundering herd
// against a freshly recovered worker.
func (h *healthTracker) EffectiveLimit(limit int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateHealthy, StateDegraded:
		return limit
	case StateRecovering:
		eff := limit * (h.rampSuccesses + 1) / h.rampSteps
		if eff < 1 {
			eff = 1
		}
		if eff > limit {
			eff = limit
		}
		return eff
	default:
		return 0
	}
}

// Snapshot returns a copy of the record for introspection.
func (h *healthTracker) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		State:               h.state,
		Successes:           h.successes,
		Failures:            h.failures,
		ConsecutiveFailures: h.consecutive,
		LastOutcomeAt:       h.lastOutcomeAt,
		Score:               h.score(),
	}
}

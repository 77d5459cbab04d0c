package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// probeLoop periodically probes unhealthy workers. A probe restarts the
// session and checks liveness; on success the worker enters the recovery
// ramp instead of jumping straight back to full capacity.
func (d *Dispatcher) probeLoop(ctx context.Context) {
	defer d.loopWg.Done()

	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.probeUnhealthy(ctx)
		}
	}
}

func (d *Dispatcher) probeUnhealthy(ctx context.Context) {
	for _, id := range d.roster {
		w := d.workers[id]
		if w.health.State() != StateUnhealthy {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeInterval)
		ok := d.probeWorker(probeCtx, w)
		cancel()

		if ok {
			w.health.ProbeSucceeded()
			d.logger.Info("probe succeeded, worker recovering",
				zap.String("worker_id", id))
		} else {
			d.logger.Debug("probe failed",
				zap.String("worker_id", id))
		}
	}
}

// probeWorker restarts the session and runs the lightweight liveness check,
// mirroring how the session supervisor restarts dead sessions.
func (d *Dispatcher) probeWorker(ctx context.Context, w *worker) bool {
	if w.session.IsHealthy(ctx) {
		return true
	}
	if err := w.session.Stop(ctx); err != nil {
		d.logger.Debug("session stop during probe failed",
			zap.String("worker_id", w.spec.ID),
			zap.Error(err))
	}
	if err := w.session.Start(ctx); err != nil {
		return false
	}
	return w.session.IsHealthy(ctx)
}

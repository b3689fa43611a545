package orchestrator

import (
	"context"
	"time"

	"devspin/internal/health"
	"devspin/internal/state"
	"devspin/internal/supervisor"
	"devspin/pkg/logging"
)

// reapInterval is how often Supervise sweeps for crashes whose event was dropped.
var reapInterval = time.Second

// Supervise keeps a foreground run reconciled until ctx is done or the
// project is stopped. Crashed services are marked Crashed, their leases are
// released and the record is persisted. Crashes of other projects started by
// this orchestrator are handled as well.
func (o *Orchestrator) Supervise(ctx context.Context, name string) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.sup.Events():
			o.handleCrash(ev)
		case <-ticker.C:
			for _, ev := range o.sup.Reap() {
				o.handleCrash(ev)
			}
			if _, ok := o.getRun(name); !ok {
				logging.Debug("Orchestrator", "%s is no longer running, supervision ends", name)
				return nil
			}
		}
	}
}

func (o *Orchestrator) handleCrash(ev supervisor.Event) {
	r, ok := o.getRun(ev.Project)
	if !ok {
		return
	}
	h, ok := r.handle(ev.Service)
	if !ok || h.PID != ev.PID {
		return
	}

	logging.Warn("Orchestrator", "%s/%s (pid %d) crashed: %s", ev.Project, ev.Service, ev.PID, ev.Exit)
	o.metrics.crashes.WithLabelValues(ev.Project).Inc()

	o.update(r, func(rec *state.RunRecord) {
		delete(r.handles, ev.Service)
		sr := rec.Service(ev.Service)
		if sr == nil {
			return
		}
		sr.State = supervisor.StateCrashed
		sr.Health = health.ResultUnhealthy
		sr.ExitCode = exitCode(ev.Exit)
		sr.Error = "exited: " + ev.Exit.String()
		sr.Leases = nil
		if rec.Phase == state.PhaseRunning {
			rec.Phase = state.PhaseDegraded
		}
	})
	o.alloc.Release(ev.Project, ev.Service)
	o.sup.Forget(h)
}

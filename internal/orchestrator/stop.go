package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"devspin/internal/dependency"
	"devspin/internal/health"
	"devspin/internal/state"
	"devspin/internal/supervisor"
	"devspin/pkg/logging"
)

// StopProject stops every service of a project in reverse stage order and
// removes its run record. Projects started by another invocation are
// stopped through their recorded PIDs.
//
// Services that survive SIGKILL stay in the record; the error then joins
// one SIGNAL_FAILED per survivor while everything else is released.
func (o *Orchestrator) StopProject(ctx context.Context, name string) (*StopReport, error) {
	lock := o.projectLock(name)
	lock.Lock()
	defer lock.Unlock()

	report := &StopReport{Project: name}
	r, ok := o.getRun(name)
	if !ok {
		rec, err := o.store.Load(name)
		if err != nil {
			return report, err
		}
		r = &run{record: rec, handles: make(map[string]*supervisor.Handle)}
	}

	o.update(r, func(rec *state.RunRecord) {
		reconcile(rec, r.handles)
		rec.Phase = state.PhaseStopping
	})
	rec := r.snapshot()
	logging.Info("Orchestrator", "Stopping %s (run %s)", name, rec.RunID)

	if err := o.runHook(ctx, HookPreStop, rec.Hooks.PreStop, rec.BaseDir, rec.Env); err != nil {
		logging.Warn("Orchestrator", "%s: %v", name, err)
		report.Warnings = append(report.Warnings, err.Error())
	}

	actions, remaining, err := o.teardown(ctx, r, stopOrder(rec))
	report.Actions = actions
	if len(remaining) > 0 {
		report.Remaining = remaining
		o.setRun(name, r)
		o.update(r, func(rec *state.RunRecord) { rec.Phase = state.PhaseDegraded })
		return report, err
	}

	o.discard(name)

	if err := o.runHook(ctx, HookPostStop, rec.Hooks.PostStop, rec.BaseDir, rec.Env); err != nil {
		logging.Warn("Orchestrator", "%s: %v", name, err)
		report.Warnings = append(report.Warnings, err.Error())
	}
	logging.Info("Orchestrator", "Stopped %s", name)
	return report, nil
}

// stopOrder is the reverse stage order of a record, followed by any service
// missing from the stages.
func stopOrder(rec *state.RunRecord) []string {
	stages := make([]dependency.Stage, len(rec.Stages))
	for i, s := range rec.Stages {
		stages[i] = dependency.Stage(s)
	}
	order := dependency.Reverse(stages)

	seen := make(map[string]bool, len(order))
	for _, name := range order {
		seen[name] = true
	}
	for i := len(rec.Services) - 1; i >= 0; i-- {
		if !seen[rec.Services[i].Name] {
			order = append(order, rec.Services[i].Name)
		}
	}
	return order
}

// teardown stops the named services one after another. Services this
// orchestrator spawned are stopped through their handle, the rest by PID.
// Leases of every service that is gone afterwards are released.
func (o *Orchestrator) teardown(ctx context.Context, r *run, order []string) ([]Action, []string, error) {
	var (
		actions   []Action
		remaining []string
		errs      []error
	)

	for _, name := range order {
		r.mu.Lock()
		sr := r.record.Service(name)
		if sr == nil {
			r.mu.Unlock()
			continue
		}
		pid, st, leases := sr.PID, sr.State, len(sr.Leases)
		h, tracked := r.handles[name]
		r.mu.Unlock()

		if !tracked && pid == 0 && leases == 0 {
			continue
		}

		var (
			forced bool
			err    error
			action = ActionStopped
		)
		switch {
		case tracked && h.State().Terminal():
			action = ActionNotRunning
		case tracked:
			err = o.sup.Stop(ctx, h, o.cfg.GracePeriod)
			if exit, ok := h.Exit(); ok {
				forced = exit.Forced
			}
		case st.Active() && pid > 0:
			forced, err = o.sup.StopPID(ctx, name, pid, o.cfg.GracePeriod)
		default:
			action = ActionNotRunning
		}

		if err != nil {
			logging.Error("Orchestrator", err, "Failed to stop %s/%s", r.record.Project, name)
			actions = append(actions, Action{Service: name, Action: ActionStopFailed, Detail: err.Error()})
			remaining = append(remaining, name)
			errs = append(errs, err)
			o.updateService(r, name, func(sr *state.ServiceRecord) { sr.Error = err.Error() })
			continue
		}

		if forced {
			action = ActionKilled
		}
		if action != ActionNotRunning {
			mode := "graceful"
			if forced {
				mode = "forced"
			}
			o.metrics.stops.WithLabelValues(mode).Inc()
		}
		actions = append(actions, Action{Service: name, Action: action, Detail: pidDetail(pid)})

		if tracked {
			o.sup.Forget(h)
		}
		var ports []int
		o.update(r, func(rec *state.RunRecord) {
			delete(r.handles, name)
			sr := rec.Service(name)
			for _, l := range sr.Leases {
				ports = append(ports, l.Value)
			}
			sr.Leases = nil
			sr.Health = health.ResultUnknown
			if sr.State != supervisor.StateCrashed {
				sr.State = supervisor.StateStopped
			}
		})
		o.alloc.Release(r.record.Project, name)
		if len(ports) > 0 {
			actions = append(actions, Action{Service: name, Action: ActionReleased, Detail: fmt.Sprint(ports)})
		}
	}
	return actions, remaining, errors.Join(errs...)
}

func pidDetail(pid int) string {
	if pid <= 0 {
		return ""
	}
	return fmt.Sprintf("pid %d", pid)
}

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"devspin/internal/dependency"
	apperrors "devspin/internal/errors"
	"devspin/internal/health"
	"devspin/internal/project"
	"devspin/internal/state"
	"devspin/internal/supervisor"
	"devspin/pkg/logging"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// StartProject brings every service of p up, stage by stage. A stage only
// begins once every service of the previous one is healthy. On the first
// failure everything already started is stopped in reverse stage order and
// the returned report explains what happened.
//
// The report is returned even when err is non-nil.
func (o *Orchestrator) StartProject(ctx context.Context, p *project.Project, opts StartOptions) (*StartReport, error) {
	begin := time.Now()
	report := &StartReport{Project: p.Name, DryRun: opts.DryRun}

	if err := p.Validate(); err != nil {
		return report, err
	}
	target, err := applyFilters(p, opts)
	if err != nil {
		return report, err
	}
	stages, err := dependency.Resolve(target)
	if err != nil {
		return report, err
	}
	report.Stages = stages

	lock := o.projectLock(p.Name)
	lock.Lock()
	defer lock.Unlock()

	if err := o.ensureInactive(p.Name, !opts.DryRun); err != nil {
		return report, err
	}
	o.adoptForeignLeases(p.Name)

	if opts.DryRun {
		report.Plan = o.plan(target, stages)
		report.Duration = time.Since(begin)
		return report, nil
	}

	r := &run{
		record:  o.newRecord(target, stages),
		handles: make(map[string]*supervisor.Handle),
	}
	report.RunID = r.record.RunID
	o.setRun(p.Name, r)
	o.update(r, func(*state.RunRecord) {})
	logging.Info("Orchestrator", "Starting %s (run %s): %d services in %d stages",
		p.Name, r.record.RunID, len(target.Services), len(stages))

	env := target.Env()
	if err := o.runHook(ctx, HookPreStart, p.Hooks.PreStart, p.BaseDir, env); err != nil {
		o.discard(p.Name)
		report.Operation = HookPreStart
		report.Cause = err.Error()
		report.Unattempted = dependency.Flatten(stages)
		o.finishStart(report, begin, "failure")
		return report, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var failure error
	for i, stage := range stages {
		logging.Debug("Orchestrator", "%s: starting stage %d %v", p.Name, i+1, stage)
		g, gctx := errgroup.WithContext(runCtx)
		g.SetLimit(o.cfg.MaxConcurrency)
		for _, name := range stage {
			svc, _ := target.Service(name)
			g.Go(func() error {
				return o.startService(gctx, r, target, svc)
			})
		}
		if err := g.Wait(); err != nil {
			failure = err
			break
		}
	}

	if failure != nil {
		cancel()
		o.rollback(ctx, r, stages, failure, report)
		o.finishStart(report, begin, "failure")
		return report, failure
	}

	o.update(r, func(rec *state.RunRecord) { rec.Phase = state.PhaseRunning })
	report.Started = dependency.Flatten(stages)
	if opts.Verbose {
		report.Health = o.health.Statuses(p.Name)
	}

	if err := o.runHook(ctx, HookPostStart, p.Hooks.PostStart, p.BaseDir, env); err != nil {
		logging.Warn("Orchestrator", "%s: %v", p.Name, err)
		report.Warnings = append(report.Warnings, err.Error())
	}

	o.finishStart(report, begin, "success")
	logging.Info("Orchestrator", "Started %s in %s", p.Name, report.Duration.Round(time.Millisecond))
	return report, nil
}

func (o *Orchestrator) finishStart(report *StartReport, begin time.Time, outcome string) {
	report.Duration = time.Since(begin)
	o.metrics.recordStart(outcome, report.Duration)
}

// applyFilters narrows p to the services selected by opts.
func applyFilters(p *project.Project, opts StartOptions) (*project.Project, error) {
	if len(opts.Only) > 0 && len(opts.Skip) > 0 {
		return nil, apperrors.ErrConfigInvalid("only and skip cannot be combined", nil)
	}
	for _, name := range append(append([]string(nil), opts.Only...), opts.Skip...) {
		if strings.TrimSpace(name) == "" {
			return nil, apperrors.ErrConfigInvalid("service names in only/skip must not be empty", nil)
		}
		if _, ok := p.Service(name); !ok {
			return nil, apperrors.ErrConfigInvalid(fmt.Sprintf("unknown service %q", name), nil)
		}
	}

	switch {
	case len(opts.Only) > 0:
		return p.Subset(dependency.FromProject(p).TransitiveDependencies(opts.Only...)), nil

	case len(opts.Skip) > 0:
		skipped := make(map[string]bool, len(opts.Skip))
		for _, name := range opts.Skip {
			skipped[name] = true
		}
		var keep []string
		for _, s := range p.Services {
			if skipped[s.Name] {
				continue
			}
			for _, dep := range s.DependsOn {
				if skipped[dep] {
					return nil, apperrors.ErrConfigInvalid(
						fmt.Sprintf("service %q depends on skipped service %q", s.Name, dep), nil)
				}
			}
			keep = append(keep, s.Name)
		}
		if len(keep) == 0 {
			return nil, apperrors.ErrConfigInvalid("every service is skipped", nil)
		}
		return p.Subset(keep), nil
	}
	return p, nil
}

// plan reports what a real start would reserve, without leasing anything.
func (o *Orchestrator) plan(p *project.Project, stages []dependency.Stage) []PlannedService {
	var out []PlannedService
	for i, stage := range stages {
		for _, name := range stage {
			svc, _ := p.Service(name)
			ps := PlannedService{Stage: i, Service: name, Ports: svc.Ports}
			for _, c := range o.alloc.Check(p.Name, name, svc.Ports) {
				ps.Conflicts = append(ps.Conflicts, c.Error())
			}
			out = append(out, ps)
		}
	}
	return out
}

func (o *Orchestrator) newRecord(p *project.Project, stages []dependency.Stage) *state.RunRecord {
	now := time.Now()
	rec := &state.RunRecord{
		Project:   p.Name,
		RunID:     uuid.NewString(),
		Phase:     state.PhaseStarting,
		Hooks:     p.Hooks,
		BaseDir:   p.BaseDir,
		Env:       p.Env(),
		StartedAt: now,
	}
	for _, stage := range stages {
		rec.Stages = append(rec.Stages, append([]string(nil), stage...))
	}
	for _, name := range dependency.Flatten(stages) {
		svc, _ := p.Service(name)
		rec.Services = append(rec.Services, state.ServiceRecord{
			Name:       name,
			State:      supervisor.StatePending,
			Health:     health.ResultUnknown,
			Command:    svc.Command,
			WorkingDir: p.ResolveDir(svc),
			LogFile:    o.logPath(p.Name, name),
		})
	}
	return rec
}

func (o *Orchestrator) logPath(projectName, service string) string {
	if o.cfg.LogPath == nil {
		return ""
	}
	return o.cfg.LogPath(projectName, service)
}

// startService reserves, spawns and health-checks one service. Nothing is
// spawned once ctx is done.
func (o *Orchestrator) startService(ctx context.Context, r *run, p *project.Project, svc *project.Service) error {
	if err := ctx.Err(); err != nil {
		return apperrors.ErrAborted(svc.Name, err)
	}

	leases, err := o.alloc.Reserve(p.Name, svc.Name, svc.Ports)
	if err != nil {
		o.updateService(r, svc.Name, func(sr *state.ServiceRecord) { sr.Error = err.Error() })
		return err
	}
	o.updateService(r, svc.Name, func(sr *state.ServiceRecord) {
		sr.Leases = leases
		sr.State = supervisor.StateStarting
	})

	dir := p.ResolveDir(svc)
	env := p.Env()
	h, err := o.sup.Spawn(supervisor.Spec{
		Project: p.Name,
		Service: svc.Name,
		Command: svc.Command,
		Dir:     dir,
		Env:     env,
		LogPath: o.logPath(p.Name, svc.Name),
	})
	if err != nil {
		o.alloc.Release(p.Name, svc.Name)
		o.updateService(r, svc.Name, func(sr *state.ServiceRecord) {
			sr.State = supervisor.StateCrashed
			sr.Leases = nil
			sr.Error = err.Error()
		})
		return err
	}

	o.update(r, func(rec *state.RunRecord) {
		r.handles[svc.Name] = h
		sr := rec.Service(svc.Name)
		sr.PID = h.PID
		sr.StartedAt = h.StartedAt
		sr.State = supervisor.StateRunning
		sr.Health = health.ResultChecking
	})

	// The wait ends early if the process exits before it becomes healthy.
	hctx, hcancel := context.WithCancel(ctx)
	defer hcancel()
	go func() {
		select {
		case <-h.Done():
			hcancel()
		case <-hctx.Done():
		}
	}()

	st, err := o.health.Await(hctx, p.Name, svc.Name, health.ChecksFor(svc, dir, env, o.cfg.HealthPolicy))
	exit, exited := h.Exit()
	if exited {
		err = apperrors.ErrProcessCrashed(svc.Name, "exited during startup: "+exit.String(), exit.Err)
	}
	if err != nil {
		o.updateService(r, svc.Name, func(sr *state.ServiceRecord) {
			sr.Error = err.Error()
			switch {
			case exited:
				sr.State = supervisor.StateCrashed
				sr.Health = health.ResultUnhealthy
				sr.ExitCode = exitCode(exit)
			case health.IsCancelled(err):
				sr.Health = health.ResultUnknown
			default:
				sr.Health = st.Result
			}
		})
		return err
	}

	o.updateService(r, svc.Name, func(sr *state.ServiceRecord) { sr.Health = health.ResultHealthy })
	logging.Info("Orchestrator", "%s/%s is healthy", p.Name, svc.Name)
	return nil
}

// rollback stops everything the failed start brought up and fills the
// failure part of the report.
func (o *Orchestrator) rollback(ctx context.Context, r *run, stages []dependency.Stage, failure error, report *StartReport) {
	report.FailedService = apperrors.GetService(failure)
	if appErr := firstAppError(failure); appErr != nil {
		report.Operation = appErr.Operation
	}
	if report.Operation == "" {
		report.Operation = "start"
	}
	report.Cause = failure.Error()
	logging.Error("Orchestrator", failure, "Start of %s failed, rolling back", r.record.Project)

	for _, sr := range r.snapshot().Services {
		if sr.State == supervisor.StatePending && sr.Name != report.FailedService {
			report.Unattempted = append(report.Unattempted, sr.Name)
		}
	}

	// Rollback runs to completion even if the caller gave up.
	actions, remaining, _ := o.teardown(context.WithoutCancel(ctx), r, dependency.Reverse(stages))
	report.Rollback = actions

	if len(remaining) > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("services still running after rollback: %s", strings.Join(remaining, ", ")))
		o.update(r, func(rec *state.RunRecord) { rec.Phase = state.PhaseDegraded })
		return
	}
	o.discard(r.record.Project)
}

// discard forgets every trace of a project run.
func (o *Orchestrator) discard(name string) {
	o.alloc.ReleaseProject(name)
	if err := o.store.Delete(name); err != nil {
		logging.Error("Orchestrator", err, "Failed to delete run record of %s", name)
	}
	o.setRun(name, nil)
	o.health.Forget(name)
	o.metrics.runningServices.DeleteLabelValues(name)
}

func exitCode(o supervisor.ExitOutcome) *int {
	if o.Err != nil || o.Signal != "" {
		return nil
	}
	code := o.Code
	return &code
}

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"devspin/internal/allocator"
	apperrors "devspin/internal/errors"
	"devspin/internal/health"
	"devspin/internal/state"
	"devspin/internal/supervisor"
	"devspin/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the tunables of an orchestrator.
type Config struct {
	GracePeriod    time.Duration // Time a service gets to exit after SIGTERM
	HookTimeout    time.Duration // Upper bound for every lifecycle hook
	MaxConcurrency int           // Services started in parallel within one stage
	HealthPolicy   health.Policy // Defaults for checks that do not override them
	// LogPath returns the log file of a service. Nil discards service output.
	LogPath func(project, service string) string
	// Registry receives the orchestrator metrics. Nil creates a private one.
	Registry *prometheus.Registry
}

// Orchestrator is the entry point for starting, stopping and inspecting
// projects. Operations on one project are serialized; different projects
// only share the allocator's port table.
type Orchestrator struct {
	cfg      Config
	store    state.Store
	alloc    *allocator.Allocator
	sup      *supervisor.Supervisor
	health   *health.Engine
	metrics  *metrics
	registry *prometheus.Registry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	runs  map[string]*run
}

// run is the in-process view of a project this orchestrator started.
type run struct {
	mu      sync.Mutex
	record  *state.RunRecord
	handles map[string]*supervisor.Handle
}

// New creates an orchestrator. The allocator may be shared with other
// orchestrators in the same process.
func New(cfg Config, store state.Store, alloc *allocator.Allocator, sup *supervisor.Supervisor) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = time.Minute
	}
	if cfg.HealthPolicy == (health.Policy{}) {
		cfg.HealthPolicy = health.DefaultPolicy()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		alloc:    alloc,
		sup:      sup,
		metrics:  newMetrics(reg),
		registry: reg,
		locks:    make(map[string]*sync.Mutex),
		runs:     make(map[string]*run),
	}
	o.health = health.NewEngine(o.metrics.recordHealthAttempt)
	return o
}

// Registry returns the registry holding the orchestrator metrics.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}

func (o *Orchestrator) projectLock(name string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[name]
	if !ok {
		l = &sync.Mutex{}
		o.locks[name] = l
	}
	return l
}

func (o *Orchestrator) getRun(name string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[name]
	return r, ok
}

func (o *Orchestrator) setRun(name string, r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r == nil {
		delete(o.runs, name)
		return
	}
	o.runs[name] = r
}

// update mutates the record under the run lock and persists the result.
// Holding the lock across the write keeps persisted snapshots in order.
func (o *Orchestrator) update(r *run, fn func(rec *state.RunRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.record)
	o.persistLocked(r)
}

func (o *Orchestrator) updateService(r *run, service string, fn func(sr *state.ServiceRecord)) {
	o.update(r, func(rec *state.RunRecord) {
		if sr := rec.Service(service); sr != nil {
			fn(sr)
		}
	})
}

func (o *Orchestrator) persistLocked(r *run) {
	if err := o.store.Persist(r.record); err != nil {
		logging.Error("Orchestrator", err, "Failed to persist run record for %s", r.record.Project)
	}
	running := 0
	for _, s := range r.record.Services {
		if s.State == supervisor.StateRunning {
			running++
		}
	}
	o.metrics.runningServices.WithLabelValues(r.record.Project).Set(float64(running))
}

func (r *run) handle(service string) (*supervisor.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[service]
	return h, ok
}

func (r *run) snapshot() *state.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Clone()
}

// reconciled returns a snapshot with service states brought up to date.
func (r *run) reconciled() *state.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record.Clone()
	reconcile(rec, r.handles)
	return rec
}

// Status returns the current record of a project. Services whose process
// has disappeared are reported as Crashed.
func (o *Orchestrator) Status(ctx context.Context, name string) (*state.RunRecord, error) {
	if r, ok := o.getRun(name); ok {
		return r.reconciled(), nil
	}
	rec, err := o.store.Load(name)
	if err != nil {
		return nil, err
	}
	reconcile(rec, nil)
	return rec, nil
}

// StatusAll returns the records of every active project.
func (o *Orchestrator) StatusAll(ctx context.Context) ([]*state.RunRecord, error) {
	records, err := o.store.List()
	for i, rec := range records {
		if r, ok := o.getRun(rec.Project); ok {
			records[i] = r.reconciled()
			continue
		}
		reconcile(rec, nil)
	}
	return records, err
}

// List summarizes every active project.
func (o *Orchestrator) List(ctx context.Context) ([]Summary, error) {
	records, err := o.StatusAll(ctx)
	out := make([]Summary, 0, len(records))
	for _, rec := range records {
		s := Summary{
			Project:   rec.Project,
			Phase:     string(rec.Phase),
			Services:  len(rec.Services),
			Ports:     allocator.LeaseSet(rec.Leases()).Ports(),
			StartedAt: rec.StartedAt,
		}
		for _, sr := range rec.Services {
			if sr.State == supervisor.StateRunning {
				s.Running++
			}
		}
		out = append(out, s)
	}
	return out, err
}

// reconcile marks recorded services whose process no longer exists as
// Crashed. Services with a tracked handle take their state from it; the
// rest are probed by PID. It reports whether anything changed.
func reconcile(rec *state.RunRecord, handles map[string]*supervisor.Handle) bool {
	changed := false
	for i := range rec.Services {
		sr := &rec.Services[i]
		if !sr.State.Active() {
			continue
		}
		if h, ok := handles[sr.Name]; ok {
			st := h.State()
			if !st.Terminal() {
				continue
			}
			logging.Warn("Orchestrator", "Service %s/%s (pid %d) is no longer running", rec.Project, sr.Name, h.PID)
			sr.State = st
			if exit, ok := h.Exit(); ok {
				sr.ExitCode = exitCode(exit)
			}
			sr.Health = health.ResultUnknown
			changed = true
			continue
		}
		if sr.PID <= 0 || supervisor.Alive(sr.PID) {
			continue
		}
		logging.Warn("Orchestrator", "Service %s/%s (pid %d) is no longer running", rec.Project, sr.Name, sr.PID)
		sr.State = supervisor.StateCrashed
		sr.Health = health.ResultUnknown
		changed = true
	}
	if changed && rec.Phase == state.PhaseRunning {
		rec.Phase = state.PhaseDegraded
	}
	return changed
}

// ensureInactive refuses to start a project that still has live processes.
// With cleanup set, records whose processes are all gone are removed.
func (o *Orchestrator) ensureInactive(name string, cleanup bool) error {
	if r, ok := o.getRun(name); ok {
		if r.reconciled().Active() {
			return apperrors.ErrProjectActive(name)
		}
	}

	rec, err := o.store.Load(name)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeStateNotFound) {
			return nil
		}
		return err
	}
	reconcile(rec, nil)
	if rec.Active() {
		return apperrors.ErrProjectActive(name)
	}
	if !cleanup {
		return nil
	}

	logging.Info("Orchestrator", "Removing stale run record of %s", name)
	o.alloc.ReleaseProject(name)
	o.setRun(name, nil)
	return o.store.Delete(name)
}

// adoptForeignLeases seeds the allocator with the ports of other projects
// that are still running, so conflicts are caught across invocations.
func (o *Orchestrator) adoptForeignLeases(name string) {
	records, err := o.store.List()
	if err != nil {
		logging.Warn("Orchestrator", "Some run records could not be read: %v", err)
	}
	for _, rec := range records {
		if rec.Project == name {
			continue
		}
		var live []allocator.Lease
		for _, sr := range rec.Services {
			if sr.State.Active() && supervisor.Alive(sr.PID) {
				live = append(live, sr.Leases...)
			}
		}
		o.alloc.Adopt(live)
	}
}

func firstAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

package state

import (
	"time"

	"devspin/internal/allocator"
	"devspin/internal/health"
	"devspin/internal/project"
	"devspin/internal/supervisor"
)

// Phase is the lifecycle phase of a whole project run.
type Phase string

const (
	PhaseStarting Phase = "Starting"
	PhaseRunning  Phase = "Running"
	PhaseDegraded Phase = "Degraded"
	PhaseStopping Phase = "Stopping"
)

// RunRecord is the persisted snapshot of one active project.
type RunRecord struct {
	Project   string          `yaml:"project" json:"project"`
	RunID     string          `yaml:"run_id" json:"run_id"`
	Phase     Phase           `yaml:"phase" json:"phase"`
	Stages    [][]string      `yaml:"stages" json:"stages"`
	Services  []ServiceRecord `yaml:"services" json:"services"`
	Hooks     project.Hooks   `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	BaseDir   string          `yaml:"base_dir,omitempty" json:"base_dir,omitempty"`
	Env       []string        `yaml:"env,omitempty" json:"env,omitempty"`
	StartedAt time.Time       `yaml:"started_at" json:"started_at"`
	UpdatedAt time.Time       `yaml:"updated_at" json:"updated_at"`
}

// ServiceRecord is the exported process state of one service.
type ServiceRecord struct {
	Name       string            `yaml:"name" json:"name"`
	PID        int               `yaml:"pid,omitempty" json:"pid,omitempty"`
	State      supervisor.State  `yaml:"state" json:"state"`
	Health     health.Result     `yaml:"health,omitempty" json:"health,omitempty"`
	StartedAt  time.Time         `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	ExitCode   *int              `yaml:"exit_code,omitempty" json:"exit_code,omitempty"`
	Leases     []allocator.Lease `yaml:"leases,omitempty" json:"leases,omitempty"`
	Command    string            `yaml:"command" json:"command"`
	WorkingDir string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	LogFile    string            `yaml:"log_file,omitempty" json:"log_file,omitempty"`
	Error      string            `yaml:"error,omitempty" json:"error,omitempty"`
}

// Service returns the record of a service, or nil.
func (r *RunRecord) Service(name string) *ServiceRecord {
	for i := range r.Services {
		if r.Services[i].Name == name {
			return &r.Services[i]
		}
	}
	return nil
}

// Leases returns every lease recorded for the run.
func (r *RunRecord) Leases() []allocator.Lease {
	var out []allocator.Lease
	for _, s := range r.Services {
		out = append(out, s.Leases...)
	}
	return out
}

// Active reports whether any service may still have a live process.
func (r *RunRecord) Active() bool {
	for _, s := range r.Services {
		if s.State.Active() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *RunRecord) Clone() *RunRecord {
	c := *r
	c.Stages = make([][]string, len(r.Stages))
	for i, st := range r.Stages {
		c.Stages[i] = append([]string(nil), st...)
	}
	c.Env = append([]string(nil), r.Env...)
	c.Services = make([]ServiceRecord, len(r.Services))
	for i, s := range r.Services {
		s.Leases = append([]allocator.Lease(nil), s.Leases...)
		if s.ExitCode != nil {
			code := *s.ExitCode
			s.ExitCode = &code
		}
		c.Services[i] = s
	}
	return &c
}

package project

import (
	"path/filepath"
	"sort"
	"time"
)

// HealthCheckType identifies how a health check probes a service.
type HealthCheckType string

const (
	HealthCheckPort    HealthCheckType = "port"
	HealthCheckCommand HealthCheckType = "command"
	HealthCheckHTTP    HealthCheckType = "http"
)

// Project is the typed, validated description of a set of services that are
// orchestrated as one unit.
type Project struct {
	Name        string            `yaml:"name" validate:"required,identifier"`
	Description string            `yaml:"description,omitempty"`
	Commands    Commands          `yaml:"commands,omitempty"`
	Services    []Service         `yaml:"services" validate:"min=1,dive"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Hooks       Hooks             `yaml:"hooks,omitempty"`

	// BaseDir is the directory of the project document. Relative working
	// directories and hook commands resolve against it.
	BaseDir string `yaml:"-"`
}

// Commands are the optional top-level project commands.
type Commands struct {
	Dev   string `yaml:"dev,omitempty"`
	Test  string `yaml:"test,omitempty"`
	Build string `yaml:"build,omitempty"`
}

// Hooks are shell commands run around project start and stop.
type Hooks struct {
	PreStart  string `yaml:"pre_start,omitempty"`
	PostStart string `yaml:"post_start,omitempty"`
	PreStop   string `yaml:"pre_stop,omitempty"`
	PostStop  string `yaml:"post_stop,omitempty"`
}

// Service is a single long-running process of a project.
type Service struct {
	Name         string        `yaml:"name" validate:"required,identifier"`
	Command      string        `yaml:"command" validate:"required"`
	WorkingDir   string        `yaml:"working_dir,omitempty"`
	DependsOn    []string      `yaml:"depends_on,omitempty" validate:"dive,required"`
	HealthChecks []HealthCheck `yaml:"health_checks,omitempty" validate:"dive"`
	Ports        []int         `yaml:"ports,omitempty" validate:"dive,min=1,max=65535"`
}

// HealthCheck describes one readiness probe. Zero Interval, Timeout and
// Retries fall back to the tool-wide health settings.
type HealthCheck struct {
	Type     HealthCheckType `yaml:"type" validate:"required,oneof=port command http"`
	Port     int             `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Host     string          `yaml:"host,omitempty" validate:"omitempty,hostname|ip"`
	Command  string          `yaml:"command,omitempty"`
	URL      string          `yaml:"url,omitempty" validate:"omitempty,url"`
	Interval time.Duration   `yaml:"interval,omitempty" validate:"gte=0"`
	Timeout  time.Duration   `yaml:"timeout,omitempty" validate:"gte=0"`
	Retries  int             `yaml:"retries,omitempty" validate:"gte=0"`
}

// Service returns the service with the given name.
func (p *Project) Service(name string) (*Service, bool) {
	for i := range p.Services {
		if p.Services[i].Name == name {
			return &p.Services[i], true
		}
	}
	return nil, false
}

// Index returns the declaration index of a service, or -1.
func (p *Project) Index(name string) int {
	for i := range p.Services {
		if p.Services[i].Name == name {
			return i
		}
	}
	return -1
}

// ServiceNames returns the service names in declaration order.
func (p *Project) ServiceNames() []string {
	names := make([]string, len(p.Services))
	for i, s := range p.Services {
		names[i] = s.Name
	}
	return names
}

// Subset returns a copy of the project restricted to the named services,
// preserving declaration order.
func (p *Project) Subset(names []string) *Project {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	sub := *p
	sub.Services = nil
	for _, s := range p.Services {
		if keep[s.Name] {
			sub.Services = append(sub.Services, s)
		}
	}
	return &sub
}

// ResolveDir returns the absolute-or-base-relative working directory of a service.
func (p *Project) ResolveDir(s *Service) string {
	base := p.BaseDir
	if base == "" {
		base = "."
	}
	if s == nil || s.WorkingDir == "" {
		return base
	}
	if filepath.IsAbs(s.WorkingDir) {
		return s.WorkingDir
	}
	return filepath.Join(base, s.WorkingDir)
}

// Env returns the project environment as sorted KEY=VALUE pairs.
func (p *Project) Env() []string {
	keys := make([]string, 0, len(p.Environment))
	for k := range p.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+p.Environment[k])
	}
	return env
}

// PortForCheck returns the port a port-type health check probes: its own
// port, or the service's first declared port.
func (s *Service) PortForCheck(hc HealthCheck) int {
	if hc.Port != 0 {
		return hc.Port
	}
	if len(s.Ports) > 0 {
		return s.Ports[0]
	}
	return 0
}

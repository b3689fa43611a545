package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"devspin/internal/dependency"
	"devspin/internal/health"
)

// StartOptions tune a StartProject call.
type StartOptions struct {
	// DryRun resolves and reports the plan without spawning anything.
	DryRun bool
	// Only restricts the run to these services plus their transitive dependencies.
	Only []string
	// Skip removes these services. A remaining service may not depend on one.
	Skip []string
	// Verbose adds per-service health details to the report.
	Verbose bool
}

// Action is one step taken while tearing services down.
type Action struct {
	Service string `json:"service" yaml:"service"`
	Action  string `json:"action" yaml:"action"`
	Detail  string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func (a Action) String() string {
	if a.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", a.Service, a.Action, a.Detail)
	}
	return fmt.Sprintf("%s: %s", a.Service, a.Action)
}

// Teardown actions.
const (
	ActionStopped    = "stopped"
	ActionKilled     = "killed"
	ActionNotRunning = "not running"
	ActionStopFailed = "stop failed"
	ActionReleased   = "released ports"
)

// PlannedService is one entry of a dry-run plan.
type PlannedService struct {
	Stage     int      `json:"stage" yaml:"stage"`
	Service   string   `json:"service" yaml:"service"`
	Ports     []int    `json:"ports,omitempty" yaml:"ports,omitempty"`
	Conflicts []string `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
}

// StartReport describes the outcome of StartProject.
type StartReport struct {
	Project  string             `json:"project" yaml:"project"`
	RunID    string             `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	DryRun   bool               `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Stages   []dependency.Stage `json:"stages" yaml:"stages"`
	Plan     []PlannedService   `json:"plan,omitempty" yaml:"plan,omitempty"`
	Started  []string           `json:"started,omitempty" yaml:"started,omitempty"`
	Health   []health.Status    `json:"health,omitempty" yaml:"health,omitempty"`
	Duration time.Duration      `json:"duration" yaml:"duration"`

	FailedService string   `json:"failed_service,omitempty" yaml:"failed_service,omitempty"`
	Operation     string   `json:"operation,omitempty" yaml:"operation,omitempty"`
	Cause         string   `json:"cause,omitempty" yaml:"cause,omitempty"`
	Unattempted   []string `json:"unattempted,omitempty" yaml:"unattempted,omitempty"`
	Rollback      []Action `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	Warnings      []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Failed reports whether the start was aborted.
func (r *StartReport) Failed() bool {
	return r.FailedService != "" || r.Operation != ""
}

// Summary renders the report for humans.
func (r *StartReport) Summary() string {
	var b strings.Builder
	switch {
	case r.DryRun:
		fmt.Fprintf(&b, "Plan for %s (dry run, nothing started):\n", r.Project)
		for _, p := range r.Plan {
			fmt.Fprintf(&b, "  stage %d: %s", p.Stage+1, p.Service)
			if len(p.Ports) > 0 {
				fmt.Fprintf(&b, " ports %v", p.Ports)
			}
			if len(p.Conflicts) > 0 {
				fmt.Fprintf(&b, " CONFLICT: %s", strings.Join(p.Conflicts, "; "))
			}
			b.WriteString("\n")
		}
	case r.Failed():
		target := r.FailedService
		if target == "" {
			target = "project " + r.Project
		}
		fmt.Fprintf(&b, "Failed to start %s: %s failed during %s\n", r.Project, target, r.Operation)
		fmt.Fprintf(&b, "  cause: %s\n", r.Cause)
		if len(r.Unattempted) > 0 {
			fmt.Fprintf(&b, "  not attempted: %s\n", strings.Join(r.Unattempted, ", "))
		}
		if len(r.Rollback) > 0 {
			b.WriteString("  rollback:\n")
			for _, a := range r.Rollback {
				fmt.Fprintf(&b, "    %s\n", a)
			}
		}
	default:
		fmt.Fprintf(&b, "Started %s (%d services, %d stages) in %s\n",
			r.Project, len(r.Started), len(r.Stages), r.Duration.Round(time.Millisecond))
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	return b.String()
}

// StopReport describes the outcome of StopProject.
type StopReport struct {
	Project   string   `json:"project" yaml:"project"`
	Actions   []Action `json:"actions" yaml:"actions"`
	Remaining []string `json:"remaining,omitempty" yaml:"remaining,omitempty"`
	Warnings  []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Summary renders the report for humans.
func (r *StopReport) Summary() string {
	var b strings.Builder
	if len(r.Remaining) > 0 {
		fmt.Fprintf(&b, "Partially stopped %s; still running: %s\n", r.Project, strings.Join(r.Remaining, ", "))
	} else {
		fmt.Fprintf(&b, "Stopped %s\n", r.Project)
	}
	for _, a := range r.Actions {
		fmt.Fprintf(&b, "  %s\n", a)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	return b.String()
}

// Summary is one line of List output.
type Summary struct {
	Project   string    `json:"project" yaml:"project"`
	Phase     string    `json:"phase" yaml:"phase"`
	Services  int       `json:"services" yaml:"services"`
	Running   int       `json:"running" yaml:"running"`
	Ports     []int     `json:"ports,omitempty" yaml:"ports,omitempty"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
}

// Package health confirms service readiness by polling port, command and
// HTTP probes with bounded retries and capped backoff.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "devspin/internal/errors"
	"devspin/internal/project"
	"devspin/pkg/logging"
)

// Result is the health verdict of a service.
type Result string

const (
	ResultUnknown   Result = "Unknown"
	ResultChecking  Result = "Checking"
	ResultHealthy   Result = "Healthy"
	ResultUnhealthy Result = "Unhealthy"
)

// Policy bounds how a check is retried.
type Policy struct {
	// Interval is the delay after the first failed attempt.
	Interval time.Duration
	// Timeout bounds the whole wait for one check.
	Timeout time.Duration
	// Retries is the maximum number of attempts.
	Retries int
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// Multiplier grows the delay after every failure.
	Multiplier float64
}

// DefaultPolicy matches the tool-wide defaults.
func DefaultPolicy() Policy {
	return Policy{
		Interval:   500 * time.Millisecond,
		Timeout:    60 * time.Second,
		Retries:    10,
		MaxBackoff: 5 * time.Second,
		Multiplier: 1.5,
	}
}

// Delay returns the wait after the given number of consecutive failures.
// It never decreases as failures grow and never exceeds MaxBackoff.
func (p Policy) Delay(failures int) time.Duration {
	delay := p.Interval
	ceiling := p.MaxBackoff
	if ceiling < p.Interval {
		ceiling = p.Interval
	}
	for i := 1; i < failures; i++ {
		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// Override returns p with the non-zero fields of a declared check applied.
func (p Policy) Override(hc project.HealthCheck) Policy {
	if hc.Interval > 0 {
		p.Interval = hc.Interval
	}
	if hc.Timeout > 0 {
		p.Timeout = hc.Timeout
	}
	if hc.Retries > 0 {
		p.Retries = hc.Retries
	}
	return p
}

// Check is one configured probe with its policy.
type Check struct {
	Checker Checker
	Policy  Policy
}

// ChecksFor builds the checks declared by a service. dir and env are used by
// command checks.
func ChecksFor(s *project.Service, dir string, env []string, defaults Policy) []Check {
	checks := make([]Check, 0, len(s.HealthChecks))
	for _, hc := range s.HealthChecks {
		var c Checker
		switch hc.Type {
		case project.HealthCheckPort:
			c = NewPortChecker(hc.Host, s.PortForCheck(hc))
		case project.HealthCheckCommand:
			c = &CommandChecker{Command: hc.Command, Dir: dir, Env: env}
		case project.HealthCheckHTTP:
			c = NewHTTPChecker(hc.URL)
		default:
			logging.Warn("HealthEngine", "Service %s: ignoring unknown health check type %q", s.Name, hc.Type)
			continue
		}
		checks = append(checks, Check{Checker: c, Policy: defaults.Override(hc)})
	}
	return checks
}

// Status is the aggregate health of one service.
type Status struct {
	Project             string    `json:"project" yaml:"project"`
	Service             string    `json:"service" yaml:"service"`
	Check               string    `json:"check,omitempty" yaml:"check,omitempty"`
	Result              Result    `json:"result" yaml:"result"`
	ConsecutiveFailures int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	Attempts            int       `json:"attempts" yaml:"attempts"`
	LastChecked         time.Time `json:"last_checked,omitempty" yaml:"last_checked,omitempty"`
	LastError           string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// AttemptFunc observes every probe attempt.
type AttemptFunc func(project, service, check string, err error)

// Engine runs checks and keeps the last known status of every service.
type Engine struct {
	mu        sync.RWMutex
	statuses  map[string]Status
	onAttempt AttemptFunc
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine. onAttempt may be nil.
func NewEngine(onAttempt AttemptFunc) *Engine {
	return &Engine{
		statuses:  make(map[string]Status),
		onAttempt: onAttempt,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await blocks until every check of service passes. Checks are evaluated in
// order. A service without checks is Healthy immediately.
func (e *Engine) Await(ctx context.Context, projectName, service string, checks []Check) (Status, error) {
	st := Status{Project: projectName, Service: service, Result: ResultChecking}
	e.set(st)

	for _, c := range checks {
		var err error
		st, err = e.awaitCheck(ctx, st, c)
		if err != nil {
			st.Result = ResultUnhealthy
			e.set(st)
			return st, err
		}
	}

	st.Result = ResultHealthy
	st.ConsecutiveFailures = 0
	st.LastError = ""
	e.set(st)
	logging.Debug("HealthEngine", "%s/%s is healthy after %d attempts", projectName, service, st.Attempts)
	return st, nil
}

func (e *Engine) awaitCheck(parent context.Context, st Status, c Check) (Status, error) {
	policy := c.Policy
	if policy.Retries <= 0 {
		policy.Retries = 1
	}
	ctx := parent
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, policy.Timeout)
		defer cancel()
	}

	name := c.Checker.String()
	st.Check = name
	st.ConsecutiveFailures = 0
	attempts := 0
	var lastErr error

	for {
		attempts++
		st.Attempts++
		err := c.Checker.CheckHealth(ctx)
		st.LastChecked = time.Now()
		if e.onAttempt != nil {
			e.onAttempt(st.Project, st.Service, name, err)
		}

		if err == nil {
			st.ConsecutiveFailures = 0
			st.LastError = ""
			e.set(st)
			return st, nil
		}

		lastErr = err
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		e.set(st)
		logging.Debug("HealthEngine", "%s/%s check %s attempt %d failed: %v", st.Project, st.Service, name, attempts, err)

		if parent.Err() != nil {
			return st, fmt.Errorf("health wait for %s cancelled: %w", st.Service, parent.Err())
		}
		if ctx.Err() != nil {
			return st, apperrors.ErrHealthCheckTimedOut(st.Service, name, attempts, lastErr)
		}
		if attempts >= policy.Retries {
			return st, apperrors.ErrHealthCheckFailed(st.Service, name, attempts, lastErr)
		}

		if err := e.sleep(ctx, policy.Delay(st.ConsecutiveFailures)); err != nil {
			if parent.Err() != nil {
				return st, fmt.Errorf("health wait for %s cancelled: %w", st.Service, parent.Err())
			}
			return st, apperrors.ErrHealthCheckTimedOut(st.Service, name, attempts, lastErr)
		}
	}
}

func statusKey(projectName, service string) string {
	return projectName + "/" + service
}

func (e *Engine) set(st Status) {
	e.mu.Lock()
	e.statuses[statusKey(st.Project, st.Service)] = st
	e.mu.Unlock()
}

// Status returns the last known status of a service.
func (e *Engine) Status(projectName, service string) (Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.statuses[statusKey(projectName, service)]
	return st, ok
}

// Statuses returns the known statuses of a project (every project when
// empty) sorted by project and service.
func (e *Engine) Statuses(projectName string) []Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Status, 0, len(e.statuses))
	for _, st := range e.statuses {
		if projectName == "" || st.Project == projectName {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Service < out[j].Service
	})
	return out
}

// Forget drops the statuses of a project.
func (e *Engine) Forget(projectName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, st := range e.statuses {
		if st.Project == projectName {
			delete(e.statuses, k)
		}
	}
}

// IsCancelled reports whether err came from a cancelled wait rather than a
// failing check.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) && apperrors.GetErrorCode(err) == ""
}

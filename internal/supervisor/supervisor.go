// Package supervisor spawns service processes in their own process groups,
// tracks their lifecycle, signals them with graceful-then-forceful
// escalation and reaps them when they exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	apperrors "devspin/internal/errors"
	"devspin/pkg/logging"
)

const eventBuffer = 64

// DefaultKillTimeout bounds the wait for the OS to confirm a SIGKILL.
const DefaultKillTimeout = 5 * time.Second

// Supervisor owns the live OS handles of every process it spawned.
type Supervisor struct {
	mu          sync.Mutex
	handles     map[string]*Handle
	order       []string
	events      chan Event
	killTimeout time.Duration
}

// New creates a supervisor. killTimeout bounds how long Stop waits after
// SIGKILL before reporting SignalFailed.
func New(killTimeout time.Duration) *Supervisor {
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}
	return &Supervisor{
		handles:     make(map[string]*Handle),
		events:      make(chan Event, eventBuffer),
		killTimeout: killTimeout,
	}
}

// Events delivers crash notifications. Notifications are dropped when
// nobody drains the channel; Reap still reports them.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Spawn starts the command through `sh -c` in a new process group. The
// returned handle is Running once the OS has created the process.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	h := &Handle{
		Project: spec.Project,
		Service: spec.Service,
		LogPath: spec.LogPath,
		state:   StatePending,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if existing, ok := s.handles[h.ID()]; ok && !existing.State().Terminal() {
		s.mu.Unlock()
		return nil, apperrors.ErrSpawnFailed(spec.Service, fmt.Errorf("already running with pid %d", existing.PID))
	}
	s.mu.Unlock()

	h.state = StateStarting

	logFile, err := openLog(spec.LogPath)
	if err != nil {
		h.state = StateCrashed
		return nil, apperrors.ErrSpawnFailed(spec.Service, err)
	}

	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		h.state = StateCrashed
		logging.Error("Supervisor", err, "Failed to spawn %s", h.ID())
		return nil, apperrors.ErrSpawnFailed(spec.Service, err)
	}

	h.PID = cmd.Process.Pid
	h.StartedAt = time.Now()
	h.state = StateRunning

	s.mu.Lock()
	if _, seen := s.handles[h.ID()]; !seen {
		s.order = append(s.order, h.ID())
	}
	s.handles[h.ID()] = h
	s.mu.Unlock()

	logging.Info("Supervisor", "Started %s (pid %d): %s", h.ID(), h.PID, spec.Command)

	go s.wait(h, cmd, logFile)
	return h, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// wait reaps the child and records its transition.
func (s *Supervisor) wait(h *Handle, cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	if logFile != nil {
		logFile.Close()
	}

	outcome := outcomeFrom(err)
	state := h.finish(outcome)

	if state == StateCrashed {
		logging.Warn("Supervisor", "%s (pid %d) exited unexpectedly: %s", h.ID(), h.PID, outcome)
		ev := Event{Project: h.Project, Service: h.Service, PID: h.PID, State: state, Exit: outcome}
		select {
		case s.events <- ev:
		default:
			logging.Warn("Supervisor", "Event channel full, dropping crash event for %s", h.ID())
		}
		return
	}
	logging.Debug("Supervisor", "%s (pid %d) stopped: %s", h.ID(), h.PID, outcome)
}

func outcomeFrom(err error) ExitOutcome {
	o := ExitOutcome{ExitedAt: time.Now()}
	if err == nil {
		return o
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			o.Code = -1
			o.Signal = ws.Signal().String()
			return o
		}
		o.Code = exitErr.ExitCode()
		return o
	}
	o.Code = -1
	o.Err = err
	return o
}

// Lookup returns the tracked handle of a service.
func (s *Supervisor) Lookup(projectName, service string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[projectName+"/"+service]
	return h, ok
}

// Handles returns the tracked handles of a project (all projects when
// empty) in spawn order.
func (s *Supervisor) Handles(projectName string) []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Handle
	for _, id := range s.order {
		h, ok := s.handles[id]
		if ok && (projectName == "" || h.Project == projectName) {
			out = append(out, h)
		}
	}
	return out
}

// Signal delivers a termination signal to the process group of h. A group
// that no longer exists is not an error.
func (s *Supervisor) Signal(h *Handle, kind SignalKind) error {
	if err := signalGroup(h.PID, kind); err != nil {
		return apperrors.ErrSignalFailed(h.Service, err)
	}
	return nil
}

// Poll returns the exit outcome without blocking.
func (s *Supervisor) Poll(h *Handle) (ExitOutcome, bool) {
	return h.Exit()
}

// Wait blocks until h exits or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, h *Handle) (ExitOutcome, error) {
	select {
	case <-h.Done():
		o, _ := h.Exit()
		return o, nil
	case <-ctx.Done():
		return ExitOutcome{}, ctx.Err()
	}
}

// Stop terminates h in two timed phases: SIGTERM to the process group, then
// SIGKILL once grace elapses or ctx is cancelled. SignalFailed is returned
// if the process survives the kill timeout.
func (s *Supervisor) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	if !h.beginStop() {
		return nil
	}
	logging.Debug("Supervisor", "Stopping %s (pid %d), grace %s", h.ID(), h.PID, grace)

	if err := s.Signal(h, Graceful); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.Done():
		return nil
	case <-timer.C:
		logging.Warn("Supervisor", "%s did not exit within %s, sending SIGKILL", h.ID(), grace)
	case <-ctx.Done():
		logging.Debug("Supervisor", "Stop of %s cancelled, sending SIGKILL", h.ID())
	}

	h.markForced()
	if err := s.Signal(h, Forceful); err != nil {
		return err
	}

	killTimer := time.NewTimer(s.killTimeout)
	defer killTimer.Stop()
	select {
	case <-h.Done():
		return nil
	case <-killTimer.C:
		return apperrors.ErrSignalFailed(h.Service,
			fmt.Errorf("pid %d still running %s after SIGKILL", h.PID, s.killTimeout))
	}
}

// StopAll stops every live tracked process in reverse spawn order.
func (s *Supervisor) StopAll(ctx context.Context, grace time.Duration) error {
	handles := s.Handles("")
	var errs []error
	for i := len(handles) - 1; i >= 0; i-- {
		if err := s.Stop(ctx, handles[i], grace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reap removes terminated handles from the table and returns an event for
// every one that crashed and has not been reported by a previous Reap.
func (s *Supervisor) Reap() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []Event
	kept := s.order[:0]
	for _, id := range s.order {
		h := s.handles[id]
		h.mu.Lock()
		state, exit := h.state, h.exit
		if state == StateCrashed && !h.reported {
			h.reported = true
			events = append(events, Event{Project: h.Project, Service: h.Service, PID: h.PID, State: state, Exit: *exit})
		}
		h.mu.Unlock()

		if state.Terminal() {
			delete(s.handles, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	sort.SliceStable(events, func(i, j int) bool { return events[i].Exit.ExitedAt.Before(events[j].Exit.ExitedAt) })
	return events
}

// Forget drops a handle from the table without signalling it.
func (s *Supervisor) Forget(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.handles[h.ID()]; ok && cur == h {
		delete(s.handles, h.ID())
		for i, id := range s.order {
			if id == h.ID() {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

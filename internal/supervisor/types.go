package supervisor

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a supervised service.
type State string

const (
	StatePending  State = "Pending"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateStopped  State = "Stopped"
	StateCrashed  State = "Crashed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}

// Active reports whether a process may exist for this state.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// SignalKind selects between graceful and forceful termination.
type SignalKind int

const (
	Graceful SignalKind = iota
	Forceful
)

func (k SignalKind) String() string {
	if k == Forceful {
		return "forceful"
	}
	return "graceful"
}

// Spec describes a process to spawn.
type Spec struct {
	Project string
	Service string
	Command string
	Dir     string
	// Env entries are overlaid on the current process environment.
	Env []string
	// LogPath receives stdout and stderr in append mode. Empty discards output.
	LogPath string
}

// ExitOutcome describes how a process terminated.
type ExitOutcome struct {
	Code     int
	Signal   string
	Err      error
	ExitedAt time.Time
	// Forced is set when the process had to be killed after the grace period.
	Forced bool
}

func (o ExitOutcome) String() string {
	switch {
	case o.Err != nil:
		return fmt.Sprintf("wait failed: %v", o.Err)
	case o.Signal != "":
		return fmt.Sprintf("killed by signal %s", o.Signal)
	default:
		return fmt.Sprintf("exit code %d", o.Code)
	}
}

// Success reports a clean zero exit.
func (o ExitOutcome) Success() bool {
	return o.Err == nil && o.Signal == "" && o.Code == 0
}

// Handle tracks one spawned process. The supervisor owns it; callers read
// it through the accessor methods.
type Handle struct {
	Project   string
	Service   string
	PID       int
	StartedAt time.Time
	LogPath   string

	mu       sync.Mutex
	state    State
	exit     *ExitOutcome
	forced   bool
	reported bool
	done     chan struct{}
}

// ID returns "project/service".
func (h *Handle) ID() string {
	return h.Project + "/" + h.Service
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exit returns the exit outcome once the process has terminated.
func (h *Handle) Exit() (ExitOutcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit == nil {
		return ExitOutcome{}, false
	}
	return *h.exit, true
}

// beginStop moves an active handle to Stopping. It returns false when the
// process already terminated.
func (h *Handle) beginStop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = StateStopping
	return true
}

func (h *Handle) markForced() {
	h.mu.Lock()
	h.forced = true
	h.mu.Unlock()
}

// finish records the exit and returns the resulting state.
func (h *Handle) finish(o ExitOutcome) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	o.Forced = h.forced
	h.exit = &o
	if h.state == StateStopping {
		h.state = StateStopped
	} else {
		// Any exit that was not requested is a crash, including exit code 0.
		h.state = StateCrashed
	}
	close(h.done)
	return h.state
}

// Event reports a process that terminated without being asked to.
type Event struct {
	Project string
	Service string
	PID     int
	State   State
	Exit    ExitOutcome
}

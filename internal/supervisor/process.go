package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	apperrors "devspin/internal/errors"
	"devspin/pkg/logging"

	"github.com/prometheus/procfs"
)

// pollInterval is how often StopPID checks whether a foreign process is gone.
var pollInterval = 50 * time.Millisecond

func signalFor(kind SignalKind) syscall.Signal {
	if kind == Forceful {
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}

// signalGroup signals the process group led by pid, falling back to the
// single process when the group cannot be addressed.
func signalGroup(pid int, kind SignalKind) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	sig := signalFor(kind)
	err := syscall.Kill(-pid, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH), errors.Is(err, syscall.EPERM):
		// Not a group leader, or the group is gone.
		if perr := syscall.Kill(pid, sig); perr != nil && !errors.Is(perr, syscall.ESRCH) {
			return perr
		}
		return nil
	default:
		return err
	}
}

func signalZero(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Alive reports whether pid, or any member of the process group it leads,
// still exists and is not a zombie. Orphaned group members linger as zombies
// until init reaps them, so a successful signal 0 alone is not enough. PIDs
// can be reused by the OS, so a true result for a PID read from an old
// record is a hint rather than proof.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if !signalZero(pid) && !signalZero(-pid) {
		return false
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		// No procfs to tell zombies apart.
		return true
	}
	if p, err := fs.Proc(pid); err == nil {
		if stat, err := p.Stat(); err == nil && !zombie(stat.State) {
			return true
		}
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return true
	}
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		if stat.PGRP == pid && !zombie(stat.State) {
			return true
		}
	}
	return false
}

func zombie(state string) bool {
	return state == "Z" || state == "X"
}

// StopPID applies graceful-then-forceful termination to a process this
// supervisor did not spawn, such as one recorded by an earlier invocation.
func (s *Supervisor) StopPID(ctx context.Context, service string, pid int, grace time.Duration) (forced bool, err error) {
	if !Alive(pid) {
		return false, nil
	}
	if err := signalGroup(pid, Graceful); err != nil {
		return false, apperrors.ErrSignalFailed(service, err)
	}
	if waitGone(ctx, pid, grace) {
		return false, nil
	}

	logging.Warn("Supervisor", "%s (pid %d) did not exit within %s, sending SIGKILL", service, pid, grace)
	if err := signalGroup(pid, Forceful); err != nil {
		return true, apperrors.ErrSignalFailed(service, err)
	}
	if waitGone(context.Background(), pid, s.killTimeout) {
		return true, nil
	}
	return true, apperrors.ErrSignalFailed(service, fmt.Errorf("pid %d still running %s after SIGKILL", pid, s.killTimeout))
}

// waitGone polls until pid is gone, the timeout elapses or ctx is done.
func waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !Alive(pid)
		case <-ctx.Done():
			return !Alive(pid)
		}
	}
}

// Run executes a one-shot shell command and waits for it. Cancelling ctx
// kills the whole process group.
func Run(ctx context.Context, command, dir string, env []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command %q cancelled: %w", command, ctx.Err())
		}
		return fmt.Errorf("command %q failed: %w", command, err)
	}
	return nil
}

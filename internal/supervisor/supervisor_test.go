package supervisor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "devspin/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawn(t *testing.T, s *Supervisor, service, command string) *Handle {
	t.Helper()
	h, err := s.Spawn(Spec{Project: "test", Service: service, Command: command, Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = signalGroup(h.PID, Forceful)
	})
	return h
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not exit", h.ID())
	}
}

func TestSpawn_RunningThenGracefulStop(t *testing.T) {
	s := New(time.Second)
	h := spawn(t, s, "web", "sleep 30")

	assert.Equal(t, StateRunning, h.State())
	assert.Greater(t, h.PID, 0)
	assert.True(t, Alive(h.PID))
	_, exited := s.Poll(h)
	assert.False(t, exited)

	require.NoError(t, s.Stop(context.Background(), h, 5*time.Second))
	assert.Equal(t, StateStopped, h.State())

	out, ok := s.Poll(h)
	require.True(t, ok)
	assert.False(t, out.Forced)
	assert.Equal(t, "SIGTERM", signalName(out))
}

func signalName(o ExitOutcome) string {
	if o.Signal == "terminated" {
		return "SIGTERM"
	}
	if o.Signal == "killed" {
		return "SIGKILL"
	}
	return o.Signal
}

func TestStop_EscalatesToKill(t *testing.T) {
	s := New(2 * time.Second)
	h := spawn(t, s, "stubborn", "trap '' TERM; while true; do sleep 0.1; done")

	// Give the shell time to install the trap.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Stop(context.Background(), h, 300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	assert.Equal(t, StateStopped, h.State())
	out, _ := h.Exit()
	assert.True(t, out.Forced)
	assert.Equal(t, "SIGKILL", signalName(out))
}

func TestStop_CancelledContextEscalatesImmediately(t *testing.T) {
	s := New(2 * time.Second)
	h := spawn(t, s, "stubborn", "trap '' TERM; while true; do sleep 0.1; done")
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	require.NoError(t, s.Stop(ctx, h, time.Minute))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateStopped, h.State())
}

func TestStop_AlreadyExitedIsNoop(t *testing.T) {
	s := New(time.Second)
	h := spawn(t, s, "oneshot", "exit 0")
	waitDone(t, h)

	assert.NoError(t, s.Stop(context.Background(), h, time.Second))
	assert.Equal(t, StateCrashed, h.State())
}

func TestCrash_ReportedByEventAndReap(t *testing.T) {
	s := New(time.Second)
	h := spawn(t, s, "flaky", "exit 3")
	waitDone(t, h)

	assert.Equal(t, StateCrashed, h.State())

	select {
	case ev := <-s.Events():
		assert.Equal(t, "flaky", ev.Service)
		assert.Equal(t, 3, ev.Exit.Code)
		assert.Equal(t, StateCrashed, ev.State)
	case <-time.After(5 * time.Second):
		t.Fatal("no crash event")
	}

	events := s.Reap()
	require.Len(t, events, 1)
	assert.Equal(t, h.PID, events[0].PID)
	assert.Equal(t, "exit code 3", events[0].Exit.String())

	assert.Empty(t, s.Reap(), "crash is reported once")
	_, tracked := s.Lookup("test", "flaky")
	assert.False(t, tracked, "reaped handles leave the table")
}

func TestSpawn_Failure(t *testing.T) {
	s := New(time.Second)
	_, err := s.Spawn(Spec{Project: "test", Service: "api", Command: "true", Dir: "/does/not/exist"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSpawnFailed))
	assert.Equal(t, "api", apperrors.GetService(err))
	assert.Empty(t, s.Handles("test"))
}

func TestSpawn_DuplicateLiveService(t *testing.T) {
	s := New(time.Second)
	spawn(t, s, "web", "sleep 30")

	_, err := s.Spawn(Spec{Project: "test", Service: "web", Command: "sleep 30"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSpawnFailed))
}

func TestSpawn_EnvAndLogFile(t *testing.T) {
	s := New(time.Second)
	logPath := filepath.Join(t.TempDir(), "logs", "echo.log")

	h, err := s.Spawn(Spec{
		Project: "test",
		Service: "echo",
		Command: `echo "greeting=$GREETING"; echo oops >&2`,
		Env:     []string{"GREETING=hello"},
		LogPath: logPath,
	})
	require.NoError(t, err)
	waitDone(t, h)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "greeting=hello")
	assert.Contains(t, string(data), "oops")
}

func TestWait_ContextBounded(t *testing.T) {
	s := New(time.Second)
	h := spawn(t, s, "web", "sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, s.Stop(context.Background(), h, time.Second))
	out, err := s.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.NotZero(t, out.ExitedAt)
}

func TestStopAll(t *testing.T) {
	s := New(time.Second)
	a := spawn(t, s, "a", "sleep 30")
	b := spawn(t, s, "b", "sleep 30")

	require.NoError(t, s.StopAll(context.Background(), 2*time.Second))
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, StateStopped, b.State())
}

func TestStopPID_ForeignProcess(t *testing.T) {
	s := New(time.Second)
	h := spawn(t, s, "detached", "sleep 30")

	forced, err := s.StopPID(context.Background(), "detached", h.PID, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, forced)
	waitDone(t, h)

	assert.Eventually(t, func() bool { return !Alive(h.PID) }, 5*time.Second, 20*time.Millisecond)

	forced, err = s.StopPID(context.Background(), "detached", h.PID, time.Second)
	assert.NoError(t, err, "stopping a vanished pid succeeds")
	assert.False(t, forced)
}

func TestAlive_IgnoresZombieGroupMembers(t *testing.T) {
	s := New(time.Second)
	// The trailing command keeps sh from exec'ing sleep, so the group has
	// a second member that outlives the leader as an orphan.
	h := spawn(t, s, "orphan", "sleep 30; true")
	require.True(t, Alive(h.PID))

	require.NoError(t, signalGroup(h.PID, Forceful))
	waitDone(t, h)

	assert.Equal(t, StateCrashed, h.State())
	assert.False(t, Alive(h.PID))
}

func TestStopPID_GroupWithChildren(t *testing.T) {
	s := New(time.Second)
	h := spawn(t, s, "shell", "sleep 30; true")

	forced, err := s.StopPID(context.Background(), "shell", h.PID, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, forced)
	waitDone(t, h)
	assert.False(t, Alive(h.PID))
}

func TestRun(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), "echo $X", t.TempDir(), []string{"X=42"}, &out, &out))
	assert.Equal(t, "42\n", out.String())

	err := Run(context.Background(), "exit 7", "", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 7")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = Run(ctx, "sleep 30", "", nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, StateStopped.Terminal())
	assert.True(t, StateCrashed.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateStopping.Active())
	assert.False(t, StatePending.Active())
	assert.Equal(t, "forceful", Forceful.String())
}

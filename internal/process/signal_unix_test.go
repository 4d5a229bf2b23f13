//go:build !windows

package process

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSleeper(t *testing.T, script string) int {
	t.Helper()
	cmd := ShellCommand(script)
	ConfigureSession(cmd)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { SweepGroup(pid) })
	return pid
}

func waitDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if alive, _ := Alive(pid); !alive {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive", pid)
}

func TestConfigureSessionSetsSetsid(t *testing.T) {
	cmd := ShellCommand("true")
	ConfigureSession(cmd)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setsid)
	assert.Equal(t, []string{"/bin/sh", "-c", "true"}, cmd.Args)
}

func TestSignalTermStopsProcessGroup(t *testing.T) {
	pid := startSleeper(t, "sleep 30")

	alive, err := Alive(pid)
	require.NoError(t, err)
	require.True(t, alive)

	require.NoError(t, SignalTerm(pid))
	waitDead(t, pid)
}

func TestSignalKillStopsTrappingProcess(t *testing.T) {
	pid := startSleeper(t, "trap '' TERM; while true; do sleep 0.05; done")
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, SignalTerm(pid))
	time.Sleep(200 * time.Millisecond)
	alive, _ := Alive(pid)
	require.True(t, alive, "TERM should be ignored")

	require.NoError(t, SignalKill(pid))
	waitDead(t, pid)
}

func TestSignalOnMissingProcessIsAlreadyExited(t *testing.T) {
	pid := startSleeper(t, "exit 0")
	waitDead(t, pid)
	time.Sleep(50 * time.Millisecond)

	err := SignalTerm(pid)
	require.Error(t, err)
	assert.Equal(t, KindAlreadyExited, Classify(err))

	var se *SignalError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "term", se.Op)
	assert.Equal(t, pid, se.PID)
}

func TestProbeInvalidPID(t *testing.T) {
	assert.Equal(t, KindAlreadyExited, Classify(Probe(0)))
	alive, err := Alive(-1)
	assert.False(t, alive)
	assert.NoError(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindNone, Classify(nil))
	assert.Equal(t, KindAlreadyExited, Classify(syscall.ESRCH))
	assert.Equal(t, KindAlreadyExited, Classify(os.ErrProcessDone))
	assert.Equal(t, KindPermissionDenied, Classify(syscall.EPERM))
	assert.Equal(t, KindOther, Classify(syscall.EINVAL))
	assert.Equal(t, "permission_denied", KindPermissionDenied.String())
}

func TestStartTimeAndReuse(t *testing.T) {
	pid := startSleeper(t, "sleep 5")
	st := StartTime(pid)
	require.Positive(t, st)
	assert.InDelta(t, time.Now().Unix(), st, 5)

	assert.False(t, Reused(pid, st))
	assert.True(t, Reused(pid, st-3600))
	assert.False(t, Reused(pid, 0))
	assert.Zero(t, StartTime(0))
}

func TestGroupAliveFollowsBackgroundMembers(t *testing.T) {
	pid := startSleeper(t, "sleep 0.5 & exit 0")

	waitDead(t, pid)
	assert.True(t, GroupAlive(pid), "background sleep keeps the group")
	require.Eventually(t, func() bool { return !GroupAlive(pid) }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, GroupAlive(0))
}

//go:build !windows

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/termsup/internal/env"
	"github.com/loykin/termsup/internal/logstore"
	"github.com/loykin/termsup/internal/process"
	"github.com/loykin/termsup/internal/state"
)

type fixture struct {
	sup   *Supervisor
	state *state.Store
	logs  *logstore.Store
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	st := state.New(state.NewJSONFile(filepath.Join(dir, "processes.json")), nil)
	require.NoError(t, st.Load())
	logs := logstore.New(filepath.Join(dir, "logs"), nil)
	opts := Options{
		State:         st,
		Logs:          logs,
		Env:           env.New(true),
		DrainTimeout:  2 * time.Second,
		OrphanPolling: 20 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	sup := New(opts)
	t.Cleanup(sup.Close)
	return &fixture{sup: sup, state: st, logs: logs}
}

func (f *fixture) spawn(t *testing.T, command string) *Spawned {
	t.Helper()
	sp, err := f.sup.Spawn(context.Background(), SpawnRequest{Command: command})
	require.NoError(t, err)
	t.Cleanup(func() { process.SweepGroup(sp.PID) })
	return sp
}

func waitDone(t *testing.T, sp *Spawned, within time.Duration) Completion {
	t.Helper()
	select {
	case c := <-sp.Done:
		return c
	case <-time.After(within):
		t.Fatalf("pid %d did not complete within %s", sp.PID, within)
		return Completion{}
	}
}

func TestSpawnSuccessRecordsOutput(t *testing.T) {
	f := newFixture(t, nil)
	sp := f.spawn(t, "echo hi")

	rec, ok := f.state.FindByPID(sp.PID)
	require.True(t, ok, "record must exist as soon as Spawn returns")
	assert.Equal(t, "echo hi", rec.Command)
	assert.NotEmpty(t, rec.Cwd)

	c := waitDone(t, sp, 5*time.Second)
	assert.Equal(t, state.StatusSuccess, c.Status)
	require.NotNil(t, c.ExitCode)
	assert.Equal(t, 0, *c.ExitCode)
	assert.NoError(t, c.Err)

	rec, _ = f.state.FindByPID(sp.PID)
	assert.Equal(t, state.StatusSuccess, rec.Status)
	assert.Equal(t, state.PhaseDrained, rec.Phase)
	assert.Equal(t, "hi\n", rec.CapturedStdout)
	assert.Equal(t, "", rec.CapturedStderr)
	require.NotNil(t, rec.EndTime)
	assert.Equal(t, "hi\n", f.logs.ReadTail(sp.StdoutLog, -1))
}

func TestSpawnNonZeroExit(t *testing.T) {
	f := newFixture(t, nil)
	sp := f.spawn(t, "echo oops >&2; exit 3")
	c := waitDone(t, sp, 5*time.Second)
	assert.Equal(t, state.StatusFailure, c.Status)
	require.NotNil(t, c.ExitCode)
	assert.Equal(t, 3, *c.ExitCode)

	rec, _ := f.state.FindByPID(sp.PID)
	assert.Equal(t, "oops\n", rec.CapturedStderr)
}

func TestUnsolicitedSignalIsFailureWithCodeOne(t *testing.T) {
	f := newFixture(t, nil)
	sp := f.spawn(t, "kill -9 $$")
	c := waitDone(t, sp, 5*time.Second)
	assert.Equal(t, state.StatusFailure, c.Status)
	require.NotNil(t, c.ExitCode)
	assert.Equal(t, 1, *c.ExitCode)
}

func TestSpawnUsesCwdAndEnv(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Env = env.New(false).WithSet("GREETING", "hello") })
	dir := t.TempDir()
	sp, err := f.sup.Spawn(context.Background(), SpawnRequest{
		Command: `pwd; echo "$GREETING $TARGET"`,
		Cwd:     dir,
		Env:     []string{"TARGET=world"},
	})
	require.NoError(t, err)
	waitDone(t, sp, 5*time.Second)

	rec, _ := f.state.FindByPID(sp.PID)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir + "\nhello world\n", resolved + "\nhello world\n"}, rec.CapturedStdout)
	assert.Equal(t, dir, rec.Cwd)
}

func TestSpawnBadCwdIsSpawnError(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.sup.Spawn(context.Background(), SpawnRequest{Command: "true", Cwd: "/definitely/not/here"})
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "true", se.Command)
	assert.Empty(t, f.state.Get())
}

func TestSpawnCanceledContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.sup.Spawn(ctx, SpawnRequest{Command: "true"})
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTwoPhaseExit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DrainTimeout = 5 * time.Second })
	// the background sleep keeps the process group alive after the shell exits
	sp := f.spawn(t, "echo first; sleep 1 &")

	require.Eventually(t, func() bool {
		rec, _ := f.state.FindByPID(sp.PID)
		return rec.Phase == state.PhaseExited
	}, 3*time.Second, 10*time.Millisecond)

	rec, _ := f.state.FindByPID(sp.PID)
	assert.Equal(t, state.StatusSuccess, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Empty(t, rec.CapturedStdout)

	select {
	case <-sp.Done:
		t.Fatal("completion must wait for the streams to drain")
	default:
	}

	c := waitDone(t, sp, 5*time.Second)
	assert.Equal(t, state.StatusSuccess, c.Status)
	rec, _ = f.state.FindByPID(sp.PID)
	assert.Equal(t, state.PhaseDrained, rec.Phase)
	assert.Equal(t, "first\n", rec.CapturedStdout)
}

func TestDrainTimeoutUnblocksCompletion(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DrainTimeout = 100 * time.Millisecond })
	sp := f.spawn(t, "echo started; sleep 5 &")

	start := time.Now()
	c := waitDone(t, sp, 3*time.Second)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, state.StatusSuccess, c.Status)

	rec, _ := f.state.FindByPID(sp.PID)
	assert.Equal(t, "started\n", rec.CapturedStdout)
}

func TestChildWritesLogFilesDirectly(t *testing.T) {
	f := newFixture(t, nil)
	sp := f.spawn(t, "echo one; sleep 0.3; echo two; echo err >&2")

	// output lands on disk while the child runs, not via this process
	require.Eventually(t, func() bool {
		return f.logs.ReadTail(sp.StdoutLog, -1) == "one\n"
	}, 2*time.Second, 10*time.Millisecond)
	entries, err := os.ReadDir(f.logs.Dir())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{filepath.Base(sp.StdoutLog), filepath.Base(sp.StderrLog)}, names)
	wantOut, wantErr := f.logs.Paths(sp.PID)
	assert.Equal(t, wantOut, sp.StdoutLog)
	assert.Equal(t, wantErr, sp.StderrLog)

	waitDone(t, sp, 5*time.Second)
	rec, _ := f.state.FindByPID(sp.PID)
	assert.Equal(t, "one\ntwo\n", rec.CapturedStdout)
	assert.Equal(t, "err\n", rec.CapturedStderr)
}

func TestUntrackedChildLeavesRecordAlone(t *testing.T) {
	f := newFixture(t, nil)
	old := state.Record{PID: 4711, Command: "old", Status: state.StatusSuccess, Phase: state.PhaseDrained,
		ExitCode: state.Ptr(0), CapturedStdout: "old output\n"}
	f.state.Add(old)

	c := &child{pid: 4711, tracked: false}
	f.sup.update(c, state.Patch{CapturedStdout: state.Ptr("new output\n"), Phase: state.Ptr(state.PhaseDrained)}, "test")
	rec, _ := f.state.FindByPID(4711)
	assert.Equal(t, "old output\n", rec.CapturedStdout)

	c.tracked = true
	f.sup.update(c, state.Patch{CapturedStdout: state.Ptr("new output\n")}, "test")
	rec, _ = f.state.FindByPID(4711)
	assert.Equal(t, "new output\n", rec.CapturedStdout)
}

func TestKillGracefulIsStopped(t *testing.T) {
	f := newFixture(t, nil)
	sp := f.spawn(t, "sleep 20")

	res := f.sup.Kill(context.Background(), sp.PID)
	assert.Equal(t, KillTerminated, res.Outcome)
	assert.True(t, res.OK())

	c := waitDone(t, sp, 5*time.Second)
	assert.Equal(t, state.StatusStopped, c.Status)
	assert.Nil(t, c.ExitCode)

	alive, _ := process.Alive(sp.PID)
	assert.False(t, alive)
}

func TestKillEscalatesToSIGKILL(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.GracePeriod = 100 * time.Millisecond })
	sp := f.spawn(t, `trap "" TERM; while true; do sleep 0.05; done`)
	// let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	res := f.sup.Kill(context.Background(), sp.PID)
	assert.Equal(t, KillKilled, res.Outcome)

	c := waitDone(t, sp, 5*time.Second)
	assert.Equal(t, state.StatusTerminated, c.Status)
	assert.Nil(t, c.ExitCode)
}

func TestKillAfterExit(t *testing.T) {
	f := newFixture(t, nil)
	sp := f.spawn(t, "true")
	waitDone(t, sp, 5*time.Second)

	res := f.sup.Kill(context.Background(), sp.PID)
	assert.Equal(t, KillAlreadyExited, res.Outcome)
	assert.True(t, res.OK())

	rec, ok := f.state.FindByPID(sp.PID)
	require.True(t, ok, "kill must not remove records")
	assert.Equal(t, state.StatusSuccess, rec.Status)
}

func TestKillResultString(t *testing.T) {
	assert.Equal(t, "process 7 terminated", KillResult{PID: 7, Outcome: KillTerminated}.String())
	assert.Contains(t, KillResult{PID: 7, Outcome: KillError, Detail: "boom"}.String(), "boom")
	assert.False(t, KillResult{Outcome: KillPermissionDenied}.OK())
}

func TestRunningPIDs(t *testing.T) {
	f := newFixture(t, nil)
	sp := f.spawn(t, "sleep 20")
	assert.Contains(t, f.sup.RunningPIDs(), sp.PID)
	f.sup.Kill(context.Background(), sp.PID)
	waitDone(t, sp, 5*time.Second)
	assert.NotContains(t, f.sup.RunningPIDs(), sp.PID)
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestAdoptFinalizesDeadOrphan(t *testing.T) {
	f := newFixture(t, nil)
	pid := deadPID(t)
	stdoutLog, stderrLog := f.logs.Paths(pid)
	h, err := f.logs.OpenPending()
	require.NoError(t, err)
	require.NoError(t, f.logs.Bind(h, pid))
	_, _ = h.Stdout.WriteString("left behind\n")
	require.NoError(t, h.Close())

	f.state.Add(state.Record{PID: pid, Command: "old", Status: state.StatusRunning, StdoutLog: stdoutLog, StderrLog: stderrLog, StartTime: time.Now()})

	assert.Equal(t, 1, f.sup.Adopt(context.Background()))
	rec, _ := f.state.FindByPID(pid)
	assert.Equal(t, state.StatusTerminated, rec.Status)
	assert.Nil(t, rec.ExitCode)
	assert.Equal(t, state.PhaseDrained, rec.Phase)
	assert.Equal(t, "left behind\n", rec.CapturedStdout)
	require.NotNil(t, rec.EndTime)
}

func TestAdoptWatchesLiveOrphan(t *testing.T) {
	f := newFixture(t, nil)
	cmd := exec.Command("sleep", "20")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	stdoutLog, stderrLog := f.logs.Paths(pid)
	f.state.Add(state.Record{PID: pid, Command: "sleep 20", Status: state.StatusRunning, StdoutLog: stdoutLog, StderrLog: stderrLog, StartTime: time.Now(), ProcStart: process.StartTime(pid)})

	assert.Equal(t, 0, f.sup.Adopt(context.Background()))
	assert.Contains(t, f.sup.RunningPIDs(), pid)

	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	require.Eventually(t, func() bool {
		rec, _ := f.state.FindByPID(pid)
		return rec.Status == state.StatusTerminated
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(f.sup.RunningPIDs()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAdoptIgnoresOwnedAndFinished(t *testing.T) {
	f := newFixture(t, nil)
	sp := f.spawn(t, "sleep 20")
	done := state.Record{PID: deadPID(t), Status: state.StatusSuccess, ExitCode: state.Ptr(0)}
	f.state.Add(done)

	assert.Equal(t, 0, f.sup.Adopt(context.Background()))
	rec, _ := f.state.FindByPID(sp.PID)
	assert.Equal(t, state.StatusRunning, rec.Status)
	f.sup.Kill(context.Background(), sp.PID)
}

func TestMain(m *testing.M) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}

package tools

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/termsup/internal/logstore"
	"github.com/loykin/termsup/internal/state"
	"github.com/loykin/termsup/internal/supervisor"
)

// fakeSupervisor hands out scripted completions without touching the OS.
type fakeSupervisor struct {
	mu       sync.Mutex
	st       *state.Store
	logs     *logstore.Store
	nextPID  int
	spawnErr error
	done     chan supervisor.Completion
	killed   []int
}

func (f *fakeSupervisor) Spawn(_ context.Context, req supervisor.SpawnRequest) (*supervisor.Spawned, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, &supervisor.SpawnError{Command: req.Command, Err: f.spawnErr}
	}
	f.nextPID++
	pid := 40000 + f.nextPID
	out, errp := f.logs.Paths(pid)
	f.st.Add(state.Record{PID: pid, Command: req.Command, Status: state.StatusRunning, StdoutLog: out, StderrLog: errp, StartTime: time.Now()})
	return &supervisor.Spawned{PID: pid, StdoutLog: out, StderrLog: errp, Done: f.done}, nil
}

func (f *fakeSupervisor) Kill(_ context.Context, pid int) supervisor.KillResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return supervisor.KillResult{PID: pid, Outcome: supervisor.KillAlreadyExited}
}

func newFake(t *testing.T) (*Tools, *fakeSupervisor, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	st := state.New(&state.Memory{}, nil)
	require.NoError(t, st.Load())
	logs := logstore.New(filepath.Join(dir, "logs"), nil)
	fs := &fakeSupervisor{st: st, logs: logs, done: make(chan supervisor.Completion, 1)}
	return New(fs, st, logs, nil, Config{}, nil), fs, st
}

func TestExecuteRejectsEmptyCommand(t *testing.T) {
	tl, _, _ := newFake(t)
	_, err := tl.Execute(context.Background(), ExecuteRequest{Command: "   "})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestExecuteSpawnFailure(t *testing.T) {
	tl, fs, _ := newFake(t)
	fs.spawnErr = errors.New("fork: resource temporarily unavailable")

	_, err := tl.Execute(context.Background(), ExecuteRequest{Command: "true"})
	var ce *CommandExecutionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.PID)
	var se *supervisor.SpawnError
	assert.ErrorAs(t, err, &se)
}

func TestExecuteCompletionErrorMarksFailure(t *testing.T) {
	tl, fs, st := newFake(t)
	fs.done <- supervisor.Completion{Err: errors.New("wait: interrupted")}

	_, err := tl.Execute(context.Background(), ExecuteRequest{Command: "true", Timeout: time.Second})
	var ce *CommandExecutionError
	require.ErrorAs(t, err, &ce)
	require.NotZero(t, ce.PID)

	rec, ok := st.FindByPID(ce.PID)
	require.True(t, ok)
	assert.Equal(t, state.StatusFailure, rec.Status)
}

func TestExecuteContextCancelLeavesChild(t *testing.T) {
	tl, fs, st := newFake(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tl.Execute(ctx, ExecuteRequest{Command: "sleep 20", Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	recs := st.Get()
	require.Len(t, recs, 1)
	assert.Equal(t, state.StatusRunning, recs[0].Status)
	assert.Empty(t, fs.killed)
}

func TestExecuteEvictsOnlyOneFinished(t *testing.T) {
	tl, _, st := newFake(t)
	st.Add(state.Record{PID: 1, Status: state.StatusSuccess, ExitCode: state.Ptr(0)})
	st.Add(state.Record{PID: 2, Status: state.StatusRunning})
	st.Add(state.Record{PID: 3, Status: state.StatusFailure, ExitCode: state.Ptr(1)})

	_, err := tl.Execute(context.Background(), ExecuteRequest{Command: "x", Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	pids := map[int]bool{}
	for _, r := range st.Get() {
		pids[r.PID] = true
	}
	assert.False(t, pids[1], "first finished record is evicted")
	assert.True(t, pids[2])
	assert.True(t, pids[3])
	assert.Len(t, pids, 3)

	no := false
	_, err = tl.Execute(context.Background(), ExecuteRequest{Command: "y", Timeout: 10 * time.Millisecond, ReuseTerminal: &no})
	require.NoError(t, err)
	assert.Len(t, st.Get(), 4)
}

func TestExecuteNeverEvictsRunning(t *testing.T) {
	tl, _, st := newFake(t)
	st.Add(state.Record{PID: 5, Status: state.StatusRunning})
	_, err := tl.Execute(context.Background(), ExecuteRequest{Command: "x", Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	_, ok := st.FindByPID(5)
	assert.True(t, ok)
}

// Run with -race: Execute evictions and Stop removals race on the same
// finished records, and a Running record must never be evicted.
func TestConcurrentExecuteAndStopEvictFinishedOnly(t *testing.T) {
	tl, _, st := newFake(t)
	const finished = 20
	for pid := 1; pid <= finished; pid++ {
		st.Add(state.Record{PID: pid, Status: state.StatusSuccess, Phase: state.PhaseDrained, ExitCode: state.Ptr(0)})
	}
	running := []int{100, 101, 102, 103, 104}
	for _, pid := range running {
		st.Add(state.Record{PID: pid, Status: state.StatusRunning})
	}

	var mu sync.Mutex
	var spawned []int
	var wg sync.WaitGroup
	for i := 0; i < finished; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := tl.Execute(context.Background(), ExecuteRequest{Command: "x", Timeout: 5 * time.Millisecond})
			if assert.NoError(t, err) {
				mu.Lock()
				spawned = append(spawned, res.PID)
				mu.Unlock()
			}
		}()
		go func(pid int) {
			defer wg.Done()
			_, err := tl.Stop(context.Background(), []int{pid}, 0)
			assert.NoError(t, err)
		}(i + 1)
	}
	wg.Wait()

	for _, pid := range append(running, spawned...) {
		rec, ok := st.FindByPID(pid)
		if assert.True(t, ok, "running pid %d was evicted", pid) {
			assert.Equal(t, state.StatusRunning, rec.Status)
		}
	}
	for _, r := range st.Get() {
		assert.False(t, r.Status.Terminal(), "finished pid %d survived", r.PID)
	}
}

func TestStatusEmpty(t *testing.T) {
	tl, _, _ := newFake(t)
	res, err := tl.Status(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, res.StatusChanged)
	assert.Empty(t, res.Terminals)

	b, err := res.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status_changed":false,"terminals":[]}`, string(b))
}

func TestStatusRejectsLongWait(t *testing.T) {
	tl, _, _ := newFake(t)
	res, err := tl.Status(context.Background(), 301*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Error)

	b, err := res.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"timeout must be between 0 and 300 seconds"}`, string(b))
}

func TestStatusDetectsRemoval(t *testing.T) {
	tl, _, st := newFake(t)
	tl.cfg.PollInterval = 10 * time.Millisecond
	st.Add(state.Record{PID: 9, Status: state.StatusRunning})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = st.Remove(9)
	}()
	start := time.Now()
	res, err := tl.Status(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.StatusChanged)
	assert.Empty(t, res.Terminals)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStatusContextCanceled(t *testing.T) {
	tl, _, st := newFake(t)
	st.Add(state.Record{PID: 9, Status: state.StatusRunning})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := tl.Status(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnyLeftRunning(t *testing.T) {
	running := map[int]struct{}{1: {}, 2: {}}
	assert.False(t, anyLeftRunning([]state.Record{{PID: 1, Status: state.StatusRunning}, {PID: 2, Status: state.StatusRunning}, {PID: 3, Status: state.StatusSuccess}}, running))
	assert.True(t, anyLeftRunning([]state.Record{{PID: 1, Status: state.StatusRunning}, {PID: 2, Status: state.StatusStopped}}, running))
	assert.True(t, anyLeftRunning([]state.Record{{PID: 1, Status: state.StatusRunning}}, running))
}

func TestOutputUnknownPID(t *testing.T) {
	tl, _, _ := newFake(t)
	_, err := tl.Output(context.Background(), 123456, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutputFinishedReturnsCaptured(t *testing.T) {
	tl, _, st := newFake(t)
	st.Add(state.Record{
		PID: 11, Status: state.StatusSuccess, Phase: state.PhaseDrained, ExitCode: state.Ptr(0),
		CapturedStdout: "1\n2\n3\n4\n", CapturedStderr: "warn\n",
	})
	res, err := tl.Output(context.Background(), 11, 1)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n4\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
}

func TestStopUnknownIsNotSignalled(t *testing.T) {
	tl, fs, st := newFake(t)
	st.Add(state.Record{PID: 21, Status: state.StatusSuccess, ExitCode: state.Ptr(0)})

	res, err := tl.Stop(context.Background(), []int{999, 21, 998}, 0)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []int{999, 21, 998}, []int{res[0].PID, res[1].PID, res[2].PID})
	assert.Equal(t, "not found", res[0].Status)
	assert.Equal(t, "not found", res[2].Status)
	assert.Contains(t, res[1].Status, "already exited")
	assert.Contains(t, res[1].Status, "cleaned up")
	assert.Equal(t, []int{21}, fs.killed)
	assert.Empty(t, st.Get())
}

func TestStopFinalizedIsNotSignalled(t *testing.T) {
	tl, fs, st := newFake(t)
	st.Add(state.Record{PID: 22, Status: state.StatusFailure, Phase: state.PhaseDrained, ExitCode: state.Ptr(2)})

	res, err := tl.Stop(context.Background(), []int{22}, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Contains(t, res[0].Status, "already exited")
	assert.Empty(t, fs.killed)
	assert.Empty(t, st.Get())
}

func TestStopCleansUpWhenPersistFails(t *testing.T) {
	dir := t.TempDir()
	mem := &state.Memory{}
	st := state.New(mem, nil)
	require.NoError(t, st.Load())
	logs := logstore.New(dir, nil)
	fs := &fakeSupervisor{st: st, logs: logs}
	tl := New(fs, st, logs, nil, Config{}, nil)

	st.Add(state.Record{PID: 31, Status: state.StatusRunning})
	mem.FailErr = errors.New("disk full")

	res, err := tl.Stop(context.Background(), []int{31}, 0)
	require.NoError(t, err)
	assert.Contains(t, res[0].Status, "state cleanup failed")
	_, ok := st.FindByPID(31)
	assert.False(t, ok, "in-memory removal still happens")
}

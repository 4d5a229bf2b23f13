// Package supervisor owns the OS processes of tracked commands: it spawns
// them, records their lifecycle in the state store and terminates them on
// request.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/termsup/internal/env"
	"github.com/loykin/termsup/internal/history"
	"github.com/loykin/termsup/internal/logstore"
	"github.com/loykin/termsup/internal/metrics"
	"github.com/loykin/termsup/internal/process"
	"github.com/loykin/termsup/internal/state"
)

const (
	DefaultGracePeriod   = 200 * time.Millisecond
	DefaultDrainTimeout  = 5 * time.Second
	DefaultOrphanPolling = time.Second

	settlePoll = 25 * time.Millisecond
)

type Options struct {
	State *state.Store
	Logs  *logstore.Store
	Env   *env.Env

	GracePeriod   time.Duration
	DrainTimeout  time.Duration
	OrphanPolling time.Duration

	History *history.Recorder
	Logger  *slog.Logger
}

type SpawnRequest struct {
	Command string
	Cwd     string
	Env     []string // KEY=VALUE overrides for this command only
}

// Completion is delivered once the process has exited and its output has been
// drained into the log files and the state store.
type Completion struct {
	PID      int
	Status   state.Status
	ExitCode *int
	Err      error // wait failure that was not an exit status
}

type Spawned struct {
	PID       int
	StdoutLog string
	StderrLog string
	Done      <-chan Completion
}

// child is an owned process whose waiter runs in this supervisor.
type child struct {
	pid      int
	command  string
	cwd      string
	started  time.Time
	logs     [2]string     // stdout, stderr
	tracked  bool          // false when the pid was already taken in the state store
	exited   chan struct{} // closed when cmd.Wait returns
	sentTerm atomic.Bool
	sentKill atomic.Bool
}

type Supervisor struct {
	state   *state.Store
	logs    *logstore.Store
	env     *env.Env
	history *history.Recorder
	logger  *slog.Logger

	grace   time.Duration
	drain   time.Duration
	polling time.Duration

	mu       sync.Mutex
	children map[int]*child
	orphans  map[int]struct{}

	closing   chan struct{}
	closeOnce sync.Once
	watchers  sync.WaitGroup
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := opts.Env
	if e == nil {
		e = env.New(true)
	}
	return &Supervisor{
		state:    opts.State,
		logs:     opts.Logs,
		env:      e,
		history:  opts.History,
		logger:   logger.With("component", "supervisor"),
		grace:    valOr(opts.GracePeriod, DefaultGracePeriod),
		drain:    valOr(opts.DrainTimeout, DefaultDrainTimeout),
		polling:  valOr(opts.OrphanPolling, DefaultOrphanPolling),
		children: make(map[int]*child),
		orphans:  make(map[int]struct{}),
		closing:  make(chan struct{}),
	}
}

func valOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Spawn starts req.Command under /bin/sh -c in its own session and returns as
// soon as the Running record is stored. The child writes straight into its
// log files, so it keeps running and logging after this process is gone.
// ctx only bounds the start itself.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*Spawned, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: req.Command, Err: err}
	}

	cmd := process.ShellCommand(req.Command)
	process.ConfigureSession(cmd)
	cmd.Dir = req.Cwd
	cmd.Env = s.env.Merge(req.Env)

	handles, err := s.logs.OpenPending()
	if err != nil {
		return nil, s.spawnFailed(req.Command, err)
	}
	cmd.Stdout = handles.Stdout
	cmd.Stderr = handles.Stderr

	if err := cmd.Start(); err != nil {
		_ = handles.Close()
		_ = s.logs.Delete(handles.StdoutPath, handles.StderrPath)
		return nil, s.spawnFailed(req.Command, err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		_ = handles.Close()
		return nil, s.spawnFailed(req.Command, errNoPID)
	}
	pid := cmd.Process.Pid

	// a finished record may still hold this pid; leave its logs alone
	_, taken := s.state.FindByPID(pid)
	if !taken {
		if err := s.logs.Bind(handles, pid); err != nil {
			s.logger.Warn("keeping pending log names", "pid", pid, "error", err)
		}
	}
	// the child holds its own descriptors
	if err := handles.Close(); err != nil {
		s.logger.Warn("closing log files failed", "pid", pid, "error", err)
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	c := &child{
		pid:     pid,
		command: req.Command,
		cwd:     cwd,
		started: time.Now().UTC(),
		logs:    [2]string{handles.StdoutPath, handles.StderrPath},
		exited:  make(chan struct{}),
	}

	s.mu.Lock()
	s.children[pid] = c
	s.mu.Unlock()

	c.tracked = !taken && s.state.Add(state.Record{
		PID:       pid,
		Command:   req.Command,
		Status:    state.StatusRunning,
		Phase:     state.PhaseRunning,
		StdoutLog: handles.StdoutPath,
		StderrLog: handles.StderrPath,
		StartTime: c.started,
		Cwd:       cwd,
		ProcStart: process.StartTime(pid),
	})
	if !c.tracked {
		s.logger.Warn("pid still tracked by a finished record, new command not recorded", "pid", pid)
	}

	done := make(chan Completion, 1)
	go s.wait(cmd, c, done)

	metrics.IncSpawn()
	ev := history.NewEvent(history.EventSpawn, pid, req.Command, string(state.StatusRunning))
	ev.Cwd = cwd
	s.history.Record(ev)
	s.logger.Info("spawned", "pid", pid, "command", req.Command, "cwd", cwd)

	return &Spawned{PID: pid, StdoutLog: handles.StdoutPath, StderrLog: handles.StderrPath, Done: done}, nil
}

func (s *Supervisor) spawnFailed(command string, err error) error {
	metrics.IncSpawnFailure()
	s.logger.Error("spawn failed", "command", command, "error", err)
	return &SpawnError{Command: command, Err: err}
}

// wait runs the two exit phases for one owned child.
func (s *Supervisor) wait(cmd *exec.Cmd, c *child, done chan<- Completion) {
	waitErr := cmd.Wait()
	close(c.exited)

	status, code, runtimeErr := c.classify(cmd.ProcessState, waitErr)
	exitedAt := time.Now().UTC()
	s.update(c, state.Patch{
		Status:   &status,
		ExitCode: code,
		EndTime:  &exitedAt,
		Phase:    state.Ptr(state.PhaseExited),
	}, "recording exit failed")

	s.settle(c.pid)
	stdout := s.logs.ReadTail(c.logs[0], -1)
	stderr := s.logs.ReadTail(c.logs[1], -1)
	if runtimeErr != nil {
		if stderr != "" && stderr[len(stderr)-1] != '\n' {
			stderr += "\n"
		}
		stderr += runtimeErr.Error() + "\n"
	}
	end := time.Now().UTC()
	s.update(c, state.Patch{
		Phase:          state.Ptr(state.PhaseDrained),
		EndTime:        &end,
		CapturedStdout: &stdout,
		CapturedStderr: &stderr,
	}, "recording drained output failed")

	s.mu.Lock()
	delete(s.children, c.pid)
	s.mu.Unlock()

	metrics.ObserveExit(string(status), end.Sub(c.started).Seconds())
	ev := history.NewEvent(history.EventExit, c.pid, c.command, string(status))
	ev.Cwd = c.cwd
	ev.ExitCode = code
	if runtimeErr != nil {
		ev.Detail = runtimeErr.Error()
	}
	s.history.Record(ev)
	s.logger.Info("exited", "pid", c.pid, "status", status, "exit_code", derefOr(code, -1))

	done <- Completion{PID: c.pid, Status: status, ExitCode: code, Err: runtimeErr}
	close(done)
}

// update patches the child's record. Untracked children never touch the
// store, whose record for that pid belongs to an earlier command.
func (s *Supervisor) update(c *child, p state.Patch, msg string) {
	if !c.tracked {
		return
	}
	if err := s.state.Update(c.pid, p); err != nil {
		s.logger.Warn(msg, "pid", c.pid, "error", err)
	}
}

// settle waits, up to the drain timeout, for background members of the
// child's process group to finish so their output is part of the capture.
func (s *Supervisor) settle(pid int) {
	if !process.GroupAlive(pid) {
		return
	}
	deadline := time.NewTimer(s.drain)
	defer deadline.Stop()
	tick := time.NewTicker(settlePoll)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			s.logger.Warn("process group still running after exit, capturing output so far", "pid", pid, "drain_timeout", s.drain)
			return
		case <-tick.C:
			if !process.GroupAlive(pid) {
				return
			}
		}
	}
}

// classify maps the wait result onto a final status. Signal deaths count as
// Stopped or Terminated only when this supervisor sent the signal.
func (c *child) classify(ps *os.ProcessState, waitErr error) (state.Status, *int, error) {
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return state.StatusFailure, nil, waitErr
	}
	if ps == nil {
		return state.StatusFailure, nil, errors.New("no process state after wait")
	}
	code := ps.ExitCode()
	switch {
	case code == 0:
		return state.StatusSuccess, state.Ptr(0), nil
	case code > 0:
		return state.StatusFailure, &code, nil
	case c.sentKill.Load():
		return state.StatusTerminated, nil, nil
	case c.sentTerm.Load():
		return state.StatusStopped, nil, nil
	default:
		return state.StatusFailure, state.Ptr(1), nil
	}
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func (s *Supervisor) owned(pid int) *child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[pid]
}

// RunningPIDs lists owned children that have not exited yet plus watched
// orphans.
func (s *Supervisor) RunningPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.children)+len(s.orphans))
	for pid, c := range s.children {
		select {
		case <-c.exited:
		default:
			pids = append(pids, pid)
		}
	}
	for pid := range s.orphans {
		pids = append(pids, pid)
	}
	return pids
}

// Close stops orphan watchers. Children are left running.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	s.watchers.Wait()
}

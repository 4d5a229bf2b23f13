package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/termsup/internal/history"
	"github.com/loykin/termsup/internal/metrics"
	"github.com/loykin/termsup/internal/state"
	"github.com/loykin/termsup/internal/supervisor"
)

type ExecuteRequest struct {
	Command string
	// Timeout bounds how long Execute waits; non-positive values use the default.
	Timeout time.Duration
	// ReuseTerminal evicts one finished record before spawning. Nil means true.
	ReuseTerminal *bool
	Cwd           string
}

type ExecuteResult struct {
	PID      int          `json:"pid"`
	Status   state.Status `json:"status"`
	ExitCode *int         `json:"exit_code"`
	Stdout   string       `json:"stdout"`
	Stderr   string       `json:"stderr"`
}

// Execute spawns req.Command and waits for it up to the timeout. A command
// still running when the timeout fires keeps running and is reported as
// Running with no output. Cancelling ctx abandons the wait without touching
// the child.
func (t *Tools) Execute(ctx context.Context, req ExecuteRequest) (res *ExecuteResult, err error) {
	log, done := t.begin(NameExecute)
	defer func() { done(err) }()

	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidArgument)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.cfg.DefaultTimeout
	}
	if req.ReuseTerminal == nil || *req.ReuseTerminal {
		t.evictOne(log)
	}

	sp, err := t.sup.Spawn(ctx, supervisor.SpawnRequest{Command: req.Command, Cwd: req.Cwd})
	if err != nil {
		return nil, &CommandExecutionError{Command: req.Command, Err: err}
	}
	log = log.With("pid", sp.PID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c, ok := <-sp.Done:
		if !ok {
			return nil, t.failExecution(req.Command, sp.PID, errors.New("completion channel closed"))
		}
		if c.Err != nil {
			return nil, t.failExecution(req.Command, sp.PID, c.Err)
		}
		log.Debug("completed within timeout", "status", c.Status)
		return &ExecuteResult{
			PID:      sp.PID,
			Status:   c.Status,
			ExitCode: c.ExitCode,
			Stdout:   t.logs.ReadTail(sp.StdoutLog, -1),
			Stderr:   t.logs.ReadTail(sp.StderrLog, -1),
		}, nil
	case <-timer.C:
		log.Debug("still running after timeout", "timeout", timeout)
		return &ExecuteResult{PID: sp.PID, Status: state.StatusRunning}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failExecution best-effort marks pid Failure before reporting err.
func (t *Tools) failExecution(command string, pid int, err error) error {
	if uerr := t.state.Update(pid, state.Patch{Status: state.Ptr(state.StatusFailure)}); uerr != nil {
		t.logger.Warn("marking failure failed", "pid", pid, "error", uerr)
	}
	return &CommandExecutionError{Command: command, PID: pid, Err: err}
}

// evictOne removes the first finished record and its logs, if any.
func (t *Tools) evictOne(log *slog.Logger) {
	rec, ok, err := t.state.EvictFirstReusable()
	if !ok {
		return
	}
	if err != nil {
		log.Warn("persisting eviction failed", "pid", rec.PID, "error", err)
	}
	if err := t.logs.Delete(rec.StdoutLog, rec.StderrLog); err != nil {
		log.Warn("deleting evicted logs failed", "pid", rec.PID, "error", err)
	}
	metrics.IncEviction()
	ev := history.NewEvent(history.EventEvict, rec.PID, rec.Command, string(rec.Status))
	ev.Cwd = rec.Cwd
	ev.ExitCode = rec.ExitCode
	t.history.Record(ev)
	log.Info("evicted finished record", "evicted_pid", rec.PID, "status", rec.Status)
}

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/loykin/termsup/internal/history"
	"github.com/loykin/termsup/internal/logstore"
	"github.com/loykin/termsup/internal/process"
	"github.com/loykin/termsup/internal/state"
	"github.com/loykin/termsup/internal/supervisor"
)

const statusNotFound = "not found"

type StopResult struct {
	PID    int    `json:"pid"`
	Status string `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Stop terminates every pid and clears its bookkeeping, producing one result
// per input pid in input order. Unknown pids are reported as "not found" and
// are never signalled. With lines > 0 each result carries up to that many
// trailing lines of output not yet returned by an earlier Stop.
func (t *Tools) Stop(ctx context.Context, pids []int, lines int) (results []StopResult, err error) {
	log, done := t.begin(NameStop)
	defer func() { done(err) }()

	results = make([]StopResult, 0, len(pids))
	for _, pid := range pids {
		rec, ok := t.state.FindByPID(pid)
		if !ok {
			results = append(results, StopResult{PID: pid, Status: statusNotFound})
			continue
		}

		res := StopResult{PID: pid}
		if lines > 0 {
			res.Stdout, res.Stderr = t.unread(rec, lines)
		}

		kr := t.kill(ctx, rec)

		var problems []string
		if err := t.logs.Delete(rec.StdoutLog, rec.StderrLog); err != nil {
			problems = append(problems, "log cleanup failed: "+err.Error())
		}
		if err := t.state.Remove(pid); err != nil {
			problems = append(problems, "state cleanup failed: "+err.Error())
		}
		cleanup := "cleaned up"
		if len(problems) > 0 {
			cleanup = strings.Join(problems, "; ")
		}
		res.Status = fmt.Sprintf("%s; %s", kr, cleanup)
		results = append(results, res)

		ev := history.NewEvent(history.EventStop, pid, rec.Command, string(kr.Outcome))
		ev.Cwd = rec.Cwd
		ev.ExitCode = rec.ExitCode
		ev.Detail = res.Status
		t.history.Record(ev)
		log.Info("stopped", "pid", pid, "outcome", kr.Outcome, "cleanup", cleanup)
	}
	return results, nil
}

// kill skips the signal when the record shows pid no longer belongs to the
// tracked command.
func (t *Tools) kill(ctx context.Context, rec state.Record) supervisor.KillResult {
	if (rec.Phase == state.PhaseDrained && rec.Status.Terminal()) || process.Reused(rec.PID, rec.ProcStart) {
		return supervisor.KillResult{PID: rec.PID, Outcome: supervisor.KillAlreadyExited}
	}
	return t.sup.Kill(ctx, rec.PID)
}

// unread returns the output appended since the stored read offsets, trimmed
// to the last lines, and advances the offsets.
func (t *Tools) unread(rec state.Record, lines int) (string, string) {
	out, nextOut := t.logs.ReadRange(rec.StdoutLog, rec.ReadOffsets.Stdout, 0)
	errText, nextErr := t.logs.ReadRange(rec.StderrLog, rec.ReadOffsets.Stderr, 0)
	if err := t.state.Update(rec.PID, state.Patch{ReadOffsets: &state.Offsets{Stdout: nextOut, Stderr: nextErr}}); err != nil {
		t.logger.Warn("advancing read offsets failed", "pid", rec.PID, "error", err)
	}
	return tail(out, lines), tail(errText, lines)
}

func tail(text string, lines int) string {
	if logstore.IsReadError(text) {
		return text
	}
	return logstore.TailLines(text, lines)
}

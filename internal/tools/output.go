package tools

import (
	"context"
	"fmt"

	"github.com/loykin/termsup/internal/state"
)

type OutputResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Output returns the output of pid. Finished commands return their full
// captured output; running ones return the last lines of their logs
// (everything when lines <= 0).
func (t *Tools) Output(ctx context.Context, pid int, lines int) (res *OutputResult, err error) {
	_, done := t.begin(NameOutput)
	defer func() { done(err) }()

	rec, ok := t.state.FindByPID(pid)
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	if rec.Status.Terminal() && (rec.Phase == state.PhaseDrained || rec.CapturedStdout != "" || rec.CapturedStderr != "") {
		return &OutputResult{Stdout: rec.CapturedStdout, Stderr: rec.CapturedStderr}, nil
	}
	return &OutputResult{
		Stdout: t.logs.ReadTail(rec.StdoutLog, lines),
		Stderr: t.logs.ReadTail(rec.StderrLog, lines),
	}, nil
}

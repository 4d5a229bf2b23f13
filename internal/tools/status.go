package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/termsup/internal/state"
)

type LastOutput struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type Terminal struct {
	PID        int          `json:"pid"`
	Status     state.Status `json:"status"`
	ExitCode   *int         `json:"exit_code"`
	Cwd        string       `json:"cwd"`
	Command    string       `json:"command"`
	LastOutput LastOutput   `json:"last_output"`
}

// StatusResult is either a snapshot of all terminals or, when Error is set,
// a rejected request.
type StatusResult struct {
	StatusChanged bool       `json:"status_changed"`
	Terminals     []Terminal `json:"terminals"`
	Error         string     `json:"error,omitempty"`
}

func (r StatusResult) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	type plain StatusResult
	p := plain(r)
	if p.Terminals == nil {
		p.Terminals = []Terminal{}
	}
	return json.Marshal(p)
}

// Status reports every tracked terminal. With a positive wait it first blocks
// until one of the currently running commands changes status (finishes or is
// removed) or the wait elapses. Waits above the configured maximum are
// reported in the payload, not as an error.
func (t *Tools) Status(ctx context.Context, wait time.Duration) (res *StatusResult, err error) {
	_, done := t.begin(NameStatus)
	defer func() { done(err) }()

	if wait > t.cfg.MaxStatusWait {
		return &StatusResult{Error: fmt.Sprintf("timeout must be between 0 and %d seconds",
			int(t.cfg.MaxStatusWait/time.Second))}, nil
	}
	if wait < 0 {
		wait = 0
	}

	running := make(map[int]struct{})
	for _, r := range t.state.Get() {
		if r.Status == state.StatusRunning {
			running[r.PID] = struct{}{}
		}
	}

	changed := false
	if wait > 0 && len(running) > 0 {
		changed, err = t.waitForChange(ctx, running, wait)
		if err != nil {
			return nil, err
		}
	}

	recs := t.state.Get()
	terms := make([]Terminal, 0, len(recs))
	for _, r := range recs {
		terms = append(terms, Terminal{
			PID:      r.PID,
			Status:   r.Status,
			ExitCode: r.ExitCode,
			Cwd:      r.Cwd,
			Command:  r.Command,
			LastOutput: LastOutput{
				Stdout: t.logs.ReadLastChars(r.StdoutLog, t.cfg.LastOutputChars),
				Stderr: t.logs.ReadLastChars(r.StderrLog, t.cfg.LastOutputChars),
			},
		})
	}
	return &StatusResult{StatusChanged: changed, Terminals: terms}, nil
}

func (t *Tools) waitForChange(ctx context.Context, running map[int]struct{}, wait time.Duration) (bool, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
			if anyLeftRunning(t.state.Get(), running) {
				return true, nil
			}
		}
	}
}

// anyLeftRunning reports whether some pid in running is no longer Running
// in recs, including having been removed.
func anyLeftRunning(recs []state.Record, running map[int]struct{}) bool {
	seen := 0
	for _, r := range recs {
		if _, ok := running[r.PID]; !ok {
			continue
		}
		seen++
		if r.Status != state.StatusRunning {
			return true
		}
	}
	return seen < len(running)
}

package supervisor

import (
	"context"
	"time"

	"github.com/loykin/termsup/internal/history"
	"github.com/loykin/termsup/internal/process"
	"github.com/loykin/termsup/internal/state"
)

// Adopt reconciles Running records left by a previous supervisor instance.
// Records whose process is gone, or whose PID now belongs to a different
// process, are finalized as Terminated. Live ones are polled until they
// disappear. It returns the number of records finalized immediately.
func (s *Supervisor) Adopt(ctx context.Context) int {
	finalized := 0
	for _, rec := range s.state.Get() {
		if rec.Status != state.StatusRunning || s.owned(rec.PID) != nil {
			continue
		}
		if !s.orphanAlive(rec) {
			s.finalizeOrphan(rec, "process gone after restart")
			finalized++
			continue
		}

		s.mu.Lock()
		_, watching := s.orphans[rec.PID]
		if !watching {
			s.orphans[rec.PID] = struct{}{}
		}
		s.mu.Unlock()
		if watching {
			continue
		}

		ev := history.NewEvent(history.EventAdopt, rec.PID, rec.Command, string(rec.Status))
		ev.Cwd = rec.Cwd
		s.history.Record(ev)
		s.logger.Info("adopted orphan", "pid", rec.PID, "command", rec.Command)

		s.watchers.Add(1)
		go s.watchOrphan(ctx, rec)
	}
	return finalized
}

func (s *Supervisor) orphanAlive(rec state.Record) bool {
	alive, _ := process.Alive(rec.PID)
	return alive && !process.Reused(rec.PID, rec.ProcStart)
}

func (s *Supervisor) watchOrphan(ctx context.Context, rec state.Record) {
	defer s.watchers.Done()
	defer func() {
		s.mu.Lock()
		delete(s.orphans, rec.PID)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.polling)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			cur, ok := s.state.FindByPID(rec.PID)
			if !ok || cur.Status != state.StatusRunning {
				// stopped or evicted by someone else
				return
			}
			if !s.orphanAlive(cur) {
				s.finalizeOrphan(cur, "orphan exited")
				return
			}
		}
	}
}

// finalizeOrphan marks rec Terminated with its logs as captured output. The
// real exit status of a process we did not spawn cannot be observed.
func (s *Supervisor) finalizeOrphan(rec state.Record, reason string) {
	stdout := s.logs.ReadTail(rec.StdoutLog, -1)
	stderr := s.logs.ReadTail(rec.StderrLog, -1)
	now := time.Now().UTC()
	if err := s.state.Update(rec.PID, state.Patch{
		Status:         state.Ptr(state.StatusTerminated),
		Phase:          state.Ptr(state.PhaseDrained),
		EndTime:        &now,
		CapturedStdout: &stdout,
		CapturedStderr: &stderr,
	}); err != nil {
		s.logger.Warn("finalizing orphan failed", "pid", rec.PID, "error", err)
	}
	ev := history.NewEvent(history.EventExit, rec.PID, rec.Command, string(state.StatusTerminated))
	ev.Cwd = rec.Cwd
	ev.Detail = reason
	s.history.Record(ev)
	s.logger.Info("orphan finalized", "pid", rec.PID, "reason", reason)
}

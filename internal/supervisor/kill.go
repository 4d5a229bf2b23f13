package supervisor

import (
	"context"
	"time"

	"github.com/loykin/termsup/internal/metrics"
	"github.com/loykin/termsup/internal/process"
)

// Kill sends SIGTERM to the process group of pid, waits the grace period (or
// until an owned child is reaped), and sends SIGKILL when the process is
// still alive. Kill never touches the state store.
func (s *Supervisor) Kill(ctx context.Context, pid int) KillResult {
	res := s.kill(ctx, pid)
	metrics.IncKill(string(res.Outcome))
	log := s.logger.Info
	if !res.OK() {
		log = s.logger.Warn
	}
	log("kill", "pid", pid, "outcome", res.Outcome, "detail", res.Detail)
	return res
}

func (s *Supervisor) kill(ctx context.Context, pid int) KillResult {
	c := s.owned(pid)
	var exited <-chan struct{}
	if c != nil {
		c.sentTerm.Store(true)
		exited = c.exited
	}

	if res, failed := classifySignal(pid, process.SignalTerm(pid)); failed {
		return res
	}

	timer := time.NewTimer(s.grace)
	select {
	case <-timer.C:
	case <-exited:
	case <-ctx.Done():
	}
	timer.Stop()

	alive, err := process.Alive(pid)
	if err != nil && process.Classify(err) == process.KindPermissionDenied {
		return KillResult{PID: pid, Outcome: KillPermissionDenied, Detail: err.Error()}
	}
	if !alive {
		// the leader is gone; take down anything it left in the group
		process.SweepGroup(pid)
		return KillResult{PID: pid, Outcome: KillTerminated}
	}

	if c != nil {
		c.sentKill.Store(true)
	}
	err = process.SignalKill(pid)
	switch process.Classify(err) {
	case process.KindNone:
		return KillResult{PID: pid, Outcome: KillKilled}
	case process.KindAlreadyExited:
		// exited between the probe and SIGKILL
		return KillResult{PID: pid, Outcome: KillTerminated}
	default:
		res, _ := classifySignal(pid, err)
		return res
	}
}

func classifySignal(pid int, err error) (KillResult, bool) {
	switch process.Classify(err) {
	case process.KindNone:
		return KillResult{PID: pid}, false
	case process.KindAlreadyExited:
		return KillResult{PID: pid, Outcome: KillAlreadyExited}, true
	case process.KindPermissionDenied:
		return KillResult{PID: pid, Outcome: KillPermissionDenied, Detail: err.Error()}, true
	default:
		return KillResult{PID: pid, Outcome: KillError, Detail: err.Error()}, true
	}
}

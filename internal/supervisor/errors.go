package supervisor

import (
	"errors"
	"fmt"
)

var errNoPID = errors.New("no pid assigned")

// SpawnError reports that a command could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// KillOutcome classifies how a termination attempt ended.
type KillOutcome string

const (
	// KillTerminated: SIGTERM was enough.
	KillTerminated KillOutcome = "Terminated"
	// KillKilled: the process survived the grace period and got SIGKILL.
	KillKilled           KillOutcome = "Killed"
	KillAlreadyExited    KillOutcome = "AlreadyExited"
	KillPermissionDenied KillOutcome = "PermissionDenied"
	KillError            KillOutcome = "Error"
)

// KillResult is the outcome of Kill. Failures are encoded here instead of
// being returned as errors.
type KillResult struct {
	PID     int
	Outcome KillOutcome
	Detail  string
}

// OK reports whether the process is known to be gone.
func (r KillResult) OK() bool {
	switch r.Outcome {
	case KillTerminated, KillKilled, KillAlreadyExited:
		return true
	}
	return false
}

func (r KillResult) String() string {
	switch r.Outcome {
	case KillTerminated:
		return fmt.Sprintf("process %d terminated", r.PID)
	case KillKilled:
		return fmt.Sprintf("process %d killed after grace period", r.PID)
	case KillAlreadyExited:
		return fmt.Sprintf("process %d had already exited", r.PID)
	case KillPermissionDenied:
		return fmt.Sprintf("permission denied signalling process %d", r.PID)
	default:
		return fmt.Sprintf("failed to stop process %d: %s", r.PID, r.Detail)
	}
}

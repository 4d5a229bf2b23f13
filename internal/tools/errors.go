package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for read-style queries on an untracked PID.
	ErrNotFound = errors.New("process not found")
	// ErrInvalidArgument marks a malformed tool request.
	ErrInvalidArgument = errors.New("invalid argument")
)

// CommandExecutionError reports an execute call that failed to produce a
// result. PID is zero when the command never started.
type CommandExecutionError struct {
	Command string
	PID     int
	Err     error
}

func (e *CommandExecutionError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("command %q (pid %d) failed: %v", e.Command, e.PID, e.Err)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *CommandExecutionError) Unwrap() error { return e.Err }

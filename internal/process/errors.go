package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrorKind classifies the outcome of a failed signal or probe syscall.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindAlreadyExited
	KindPermissionDenied
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAlreadyExited:
		return "already_exited"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "other"
	}
}

// Classify maps a signal/probe error onto an ErrorKind.
// ESRCH (and os.ErrProcessDone) means the process is already gone.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, syscall.ESRCH), errors.Is(err, os.ErrProcessDone):
		return KindAlreadyExited
	case errors.Is(err, syscall.EPERM), errors.Is(err, os.ErrPermission):
		return KindPermissionDenied
	default:
		return KindOther
	}
}

// SignalError describes a failed kill/probe syscall.
type SignalError struct {
	Op  string // "term", "kill" or "probe"
	PID int
	Err error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("%s pid %d: %v", e.Op, e.PID, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }

// Kind is a shortcut for Classify(e.Err).
func (e *SignalError) Kind() ErrorKind { return Classify(e.Err) }

func signalErr(op string, pid int, err error) error {
	if err == nil {
		return nil
	}
	return &SignalError{Op: op, PID: pid, Err: err}
}

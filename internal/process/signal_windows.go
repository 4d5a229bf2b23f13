//go:build windows

package process

import (
	"os"
	"syscall"
)

const (
	processQueryLimitedInformation = 0x1000
	stillActive                    = 259
)

// SignalTerm has no graceful equivalent on Windows; the process is terminated.
func SignalTerm(pid int) error {
	return signalErr("term", pid, terminate(pid))
}

// SignalKill terminates the process.
func SignalKill(pid int) error {
	return signalErr("kill", pid, terminate(pid))
}

// SweepGroup is a no-op on Windows.
func SweepGroup(int) {}

// GroupAlive is always false on Windows: output handles are not tracked per
// process group there.
func GroupAlive(int) bool { return false }

func terminate(pid int) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return syscall.ESRCH
	}
	return p.Kill()
}

// Probe opens the process handle and checks its exit code.
func Probe(pid int) error {
	if pid <= 0 {
		return signalErr("probe", pid, syscall.ESRCH)
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return signalErr("probe", pid, syscall.ESRCH)
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return signalErr("probe", pid, err)
	}
	if code != stillActive {
		return signalErr("probe", pid, syscall.ESRCH)
	}
	return nil
}

// Alive reports whether pid is running.
func Alive(pid int) (bool, error) {
	err := Probe(pid)
	switch Classify(err) {
	case KindNone:
		return true, nil
	case KindAlreadyExited:
		return false, nil
	default:
		return false, err
	}
}

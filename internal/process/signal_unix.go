//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// SignalTerm sends SIGTERM to the process group led by pid, falling back to
// the single process when no such group exists.
func SignalTerm(pid int) error {
	return signalErr("term", pid, signalGroup(pid, syscall.SIGTERM))
}

// SignalKill sends SIGKILL to the process group led by pid, falling back to
// the single process when no such group exists.
func SignalKill(pid int) error {
	return signalErr("kill", pid, signalGroup(pid, syscall.SIGKILL))
}

// SweepGroup best-effort kills whatever is left in the group led by pid.
func SweepGroup(pid int) {
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// GroupAlive reports whether the process group led by pid still has a member
// that is not a zombie.
func GroupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if errors.Is(syscall.Kill(-pid, 0), syscall.ESRCH) {
		return false
	}
	if runtime.GOOS == "linux" {
		return groupHasLiveMemberLinux(pid)
	}
	return true
}

// groupHasLiveMemberLinux scans /proc for a non-zombie process in group pgid.
// Unreaped zombies would otherwise keep the group visible to kill(2).
func groupHasLiveMemberLinux(pgid int) bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return true
	}
	want := strconv.Itoa(pgid)
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		b, err := os.ReadFile("/proc/" + e.Name() + "/stat")
		if err != nil {
			continue
		}
		end := bytes.LastIndex(b, []byte(") "))
		if end < 0 {
			continue
		}
		// state ppid pgrp ...
		f := strings.Fields(string(b[end+2:]))
		if len(f) >= 3 && f[2] == want && f[0] != "Z" {
			return true
		}
	}
	return false
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	return err
}

// Probe sends signal 0 to pid. A nil error means the process exists.
func Probe(pid int) error {
	if pid <= 0 {
		return signalErr("probe", pid, syscall.ESRCH)
	}
	return signalErr("probe", pid, syscall.Kill(pid, 0))
}

// Alive reports whether pid is running. Zombies count as dead. A permission
// failure means the process exists but belongs to someone else; it is
// reported as alive together with the error.
func Alive(pid int) (bool, error) {
	err := Probe(pid)
	switch Classify(err) {
	case KindNone:
		if runtime.GOOS == "linux" && isZombieLinux(pid) {
			return false, nil
		}
		return true, nil
	case KindAlreadyExited:
		return false, nil
	case KindPermissionDenied:
		return true, err
	default:
		return false, err
	}
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

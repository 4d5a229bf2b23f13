//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// ConfigureSession starts the child in a new session (setsid) so it is
// detached from the controlling terminal, survives supervisor exit, and
// leads its own process group for group signaling.
func ConfigureSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

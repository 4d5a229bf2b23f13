//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// Windows creation flags
const (
	createNewProcessGroup = 0x00000200
	detachedProcess       = 0x00000008
)

// ConfigureSession creates a new process group without a console so the
// child is detached from the supervisor.
func ConfigureSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup | detachedProcess}
}

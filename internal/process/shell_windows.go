//go:build windows

package process

import "os/exec"

// ShellCommand returns a command that runs script through cmd.exe.
func ShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}

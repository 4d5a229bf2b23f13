//go:build !windows

package process

import "os/exec"

// ShellCommand returns a command that runs script through /bin/sh.
// The absolute shell path avoids a PATH dependency when Env is overridden.
func ShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the server in its own process group so terminate and
// kill reach its children. The server is not tied to the panel's lifetime;
// Shutdown stops it when the panel exits.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

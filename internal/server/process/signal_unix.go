//go:build !windows

package process

import (
	"os"
	"syscall"
)

// terminate sends SIGTERM to the server's process group, falling back to the
// process itself when the group cannot be resolved.
func terminate(p *os.Process) error {
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		return syscall.Kill(-pgid, syscall.SIGTERM)
	}
	return p.Signal(syscall.SIGTERM)
}

// kill sends SIGKILL to the server's process group.
func kill(p *os.Process) error {
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return p.Kill()
}

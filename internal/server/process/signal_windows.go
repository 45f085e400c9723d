//go:build windows

package process

import "os"

// terminate kills the process; Windows has no SIGTERM.
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}

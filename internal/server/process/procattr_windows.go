//go:build windows

package process

import "os/exec"

func setProcGroup(_ *exec.Cmd) {}

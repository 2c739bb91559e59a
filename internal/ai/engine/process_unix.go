//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// terminateProcess sends SIGTERM so a stream-JSON child can flush its
// final frames before exiting.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

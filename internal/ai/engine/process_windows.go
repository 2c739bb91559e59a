//go:build windows

package engine

import "os/exec"

// terminateProcess falls back to a hard kill on platforms without
// signals, logged as a warning by the caller.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

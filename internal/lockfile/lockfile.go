// Package lockfile guards the agent's state directory against a second
// process opening the same sqlite store. The store serializes its own
// writes, but two agents would each run their own turn registry and
// recovery pass, so the whole directory gets exactly one owner.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrHeld is returned by Acquire when another process owns the lock.
var ErrHeld = errors.New("state dir locked by another process")

// Handle is a held state-dir lock. Release it before the process exits;
// the OS also drops the lock when the process dies, so a crashed agent
// never wedges the directory.
type Handle struct {
	path string
	file *os.File
}

// Acquire takes the state-dir lock at path, creating the file if needed.
// The holder's pid is written into the file so a refused second instance
// can name who owns it.
func Acquire(path string) (*Handle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lockfile: empty path")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open: %w", err)
	}
	if err := tryLock(file); err != nil {
		_ = file.Close()
		return nil, err
	}

	// Record the owner for HolderPID; a failure here doesn't invalidate
	// the lock itself.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
		_ = file.Sync()
	}
	return &Handle{path: path, file: file}, nil
}

// HolderPID reads the pid recorded in the lock file, for the "already
// running" error message. Returns 0 when the file is missing or holds no
// usable pid.
func HolderPID(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func (h *Handle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Release drops the lock. Safe to call on a nil or already-released
// handle.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	file := h.file
	h.file = nil
	if err := unlock(file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

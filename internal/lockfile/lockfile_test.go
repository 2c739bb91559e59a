package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquire_SecondHolderRefused(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	if _, err := Acquire(path); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld for the second holder, got %v", err)
	}
}

func TestAcquire_ReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Releasing twice is a no-op.
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = second.Release()
}

func TestHolderPID_RecordsOwner(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent.lock")

	h, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	if got := HolderPID(path); got != os.Getpid() {
		t.Fatalf("HolderPID = %d, want %d", got, os.Getpid())
	}
	if got := HolderPID(filepath.Join(t.TempDir(), "missing.lock")); got != 0 {
		t.Fatalf("missing file must yield 0, got %d", got)
	}
}

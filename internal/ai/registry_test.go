package ai

import (
	"context"
	"testing"
)

func TestTurnRegistry_RejectsConcurrentTurnOnSameThread(t *testing.T) {
	t.Parallel()
	r := NewTurnRegistry()

	tok, err := r.TryRegister(context.Background(), "th-1")
	if err != nil {
		t.Fatalf("TryRegister: %v", err)
	}
	if tok == nil {
		t.Fatalf("expected a token")
	}

	if _, err := r.TryRegister(context.Background(), "th-1"); err == nil {
		t.Fatalf("expected the second registration to fail")
	}

	// A different thread is unaffected.
	if _, err := r.TryRegister(context.Background(), "th-2"); err != nil {
		t.Fatalf("TryRegister th-2: %v", err)
	}
}

func TestTurnRegistry_FinishReleasesThread(t *testing.T) {
	t.Parallel()
	r := NewTurnRegistry()

	if _, err := r.TryRegister(context.Background(), "th-1"); err != nil {
		t.Fatalf("TryRegister: %v", err)
	}
	r.Finish("th-1")
	if r.Active("th-1") {
		t.Fatalf("thread should be released after Finish")
	}
	if _, err := r.TryRegister(context.Background(), "th-1"); err != nil {
		t.Fatalf("re-registration after Finish: %v", err)
	}
}

func TestTurnRegistry_CancelSignalsWithoutRemoving(t *testing.T) {
	t.Parallel()
	r := NewTurnRegistry()

	tok, err := r.TryRegister(context.Background(), "th-1")
	if err != nil {
		t.Fatalf("TryRegister: %v", err)
	}

	if !r.Cancel("th-1") {
		t.Fatalf("Cancel of a registered thread must report true")
	}
	if !tok.Requested() {
		t.Fatalf("the token must observe the cancellation")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatalf("Done must be closed after Cancel")
	}

	// The entry stays until the owning supervisor calls Finish.
	if !r.Active("th-1") {
		t.Fatalf("Cancel must not remove the registration")
	}

	// Idempotent, and a no-op for unknown threads.
	if !r.Cancel("th-1") {
		t.Fatalf("second Cancel should still find the entry")
	}
	if r.Cancel("never-registered") {
		t.Fatalf("cancelling an idle thread is a no-op")
	}
}

func TestCancellationToken_RequestedDistinctFromParentExpiry(t *testing.T) {
	t.Parallel()
	parent, cancelParent := context.WithCancel(context.Background())
	tok := NewCancellationToken(parent)

	cancelParent()
	<-tok.Done()
	if tok.Requested() {
		t.Fatalf("parent expiry alone must not count as a user cancellation")
	}

	tok.Cancel()
	if !tok.Requested() {
		t.Fatalf("explicit Cancel must set Requested")
	}
}

package ai

import (
	"context"
	"sync"
)

// CancellationToken is the single cancellation primitive shared by a turn's
// supervisor and adapter tasks. Cancel is idempotent; Done/Err
// mirror the embedded context so select statements can wait on it directly.
type CancellationToken struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	requested bool
}

// NewCancellationToken derives a token from parent; cancelling parent also
// cancels the token.
func NewCancellationToken(parent context.Context) *CancellationToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancellationToken{ctx: ctx, cancel: cancel}
}

// Cancel signals the token. Safe to call more than once or concurrently.
func (t *CancellationToken) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.requested = true
	t.mu.Unlock()
	t.cancel()
}

// Requested reports whether Cancel has been called, distinct from Done()
// firing due to the parent context expiring on its own.
func (t *CancellationToken) Requested() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requested
}

func (t *CancellationToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ctx.Done()
}

func (t *CancellationToken) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

package ai

import "errors"

// Sentinel errors surfaced by caller-facing commands.
var (
	ErrThreadBusy      = errors.New("a turn is already active for this thread")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrModelUnsupported = errors.New("model not supported by this thread's engine")
	ErrApprovalNotObject = errors.New("approval response must be an object")
	ErrNoSuchApproval  = errors.New("no pending approval with that id")
	ErrEngineUnknown   = errors.New("unknown engine id")
)
